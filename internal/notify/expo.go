package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

// ExpoTransport sends through the Expo push service. Targets are Expo push
// tokens ("ExponentPushToken[...]").
type ExpoTransport struct {
	url         string
	accessToken string
	client      *http.Client
}

func NewExpoTransport(url, accessToken string, timeout time.Duration) *ExpoTransport {
	if url == "" {
		url = DefaultExpoPushURL
	}
	return &ExpoTransport{url: url, accessToken: accessToken, client: &http.Client{Timeout: timeout}}
}

func (t *ExpoTransport) Name() string { return "expo" }

type expoMessage struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Sound string         `json:"sound"`
	Data  map[string]any `json:"data,omitempty"`
}

type expoResponse struct {
	Data struct {
		Status  string `json:"status"`
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (t *ExpoTransport) Send(ctx context.Context, target string, msg Message) error {
	body, err := json.Marshal(expoMessage{
		To:    target,
		Title: msg.Title,
		Body:  msg.Body,
		Sound: "default",
		Data: map[string]any{
			"eventId":   msg.EventID,
			"routeId":   msg.RouteID,
			"stopOrder": msg.StopOrder,
			"seats":     msg.Seats,
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.accessToken)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo push: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("expo push: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo push: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("expo push: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("expo push: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	if out.Data.Status != "ok" {
		return fmt.Errorf("expo push ticket %s: %s", out.Data.Status, out.Data.Message)
	}
	return nil
}
