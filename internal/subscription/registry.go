package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadySubscribed accompanies the existing subscription on a repeat
	// Subscribe. Callers treat it as success.
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrInvalid           = errors.New("invalid subscription")
)

func IsAlreadySubscribed(err error) bool { return errors.Is(err, ErrAlreadySubscribed) }

// Key is the dedup key of a subscription.
type Key struct {
	DeviceKey string
	RouteID   string
	StopOrder int
}

type Subscription struct {
	ID        string    `json:"id"`
	DeviceKey string    `json:"deviceKey"`
	RouteID   string    `json:"routeId"`
	StopOrder int       `json:"stopOrder"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (s Subscription) Key() Key {
	return Key{DeviceKey: s.DeviceKey, RouteID: s.RouteID, StopOrder: s.StopOrder}
}

// Store is durable backing for the registry. Writes go through it before the
// in-memory state is considered committed.
type Store interface {
	UpsertSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, k Key) error
	LoadSubscriptions(ctx context.Context) ([]Subscription, error)
	PruneSubscriptions(ctx context.Context, before time.Time) (int, error)
}

type Metrics interface {
	SubscriptionsActive(n int)
	SubscriptionsPruned(n int)
}

type stopKey struct {
	routeID string
	order   int
}

type Registry struct {
	store   Store
	ttl     time.Duration
	metrics Metrics
	now     func() time.Time

	mu     sync.RWMutex
	byKey  map[Key]*Subscription
	byStop map[stopKey]map[Key]struct{}

	pruneCancel context.CancelFunc
	pruneWG     sync.WaitGroup
}

// NewRegistry returns an empty registry. store may be nil for a purely
// in-memory registry; ttl <= 0 disables expiry.
func NewRegistry(store Store, ttl time.Duration, m Metrics) *Registry {
	return &Registry{
		store:   store,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
		byKey:   make(map[Key]*Subscription),
		byStop:  make(map[stopKey]map[Key]struct{}),
	}
}

// Load replaces the in-memory state with the store's contents.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	subs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[Key]*Subscription, len(subs))
	r.byStop = make(map[stopKey]map[Key]struct{})
	for i := range subs {
		s := subs[i]
		r.insertLocked(&s)
	}
	r.reportLocked()
	return len(r.byKey), nil
}

// Subscribe registers interest of deviceKey in a stop. The check and insert
// are atomic; a repeat returns the existing entry with ErrAlreadySubscribed,
// refreshing its LastSeen and adopting a rotated target.
func (r *Registry) Subscribe(ctx context.Context, deviceKey, routeID string, stopOrder int, target string) (Subscription, error) {
	if deviceKey == "" || routeID == "" || target == "" {
		return Subscription{}, fmt.Errorf("%w: device key, route and target are required", ErrInvalid)
	}
	if stopOrder < 0 {
		return Subscription{}, fmt.Errorf("%w: stop order %d", ErrInvalid, stopOrder)
	}
	k := Key{DeviceKey: deviceKey, RouteID: routeID, StopOrder: stopOrder}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[k]; ok {
		prev := *existing
		existing.LastSeen = now
		existing.Target = target
		if r.store != nil {
			if err := r.store.UpsertSubscription(ctx, *existing); err != nil {
				*existing = prev
				return Subscription{}, fmt.Errorf("refresh subscription %s: %w", existing.ID, err)
			}
		}
		return *existing, ErrAlreadySubscribed
	}

	s := &Subscription{
		ID:        uuid.NewString(),
		DeviceKey: deviceKey,
		RouteID:   routeID,
		StopOrder: stopOrder,
		Target:    target,
		CreatedAt: now,
		LastSeen:  now,
	}
	r.insertLocked(s)
	if r.store != nil {
		if err := r.store.UpsertSubscription(ctx, *s); err != nil {
			r.removeLocked(k)
			return Subscription{}, fmt.Errorf("store subscription: %w", err)
		}
	}
	r.reportLocked()
	return *s, nil
}

// Unsubscribe removes a subscription and reports whether one existed.
func (r *Registry) Unsubscribe(ctx context.Context, deviceKey, routeID string, stopOrder int) (bool, error) {
	k := Key{DeviceKey: deviceKey, RouteID: routeID, StopOrder: stopOrder}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[k]
	if !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.DeleteSubscription(ctx, k); err != nil {
			return false, fmt.Errorf("delete subscription %s: %w", s.ID, err)
		}
	}
	r.removeLocked(k)
	r.reportLocked()
	return true, nil
}

// SubscribersFor returns the distinct targets subscribed to a stop, sorted.
func (r *Registry) SubscribersFor(routeID string, stopOrder int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.byStop[stopKey{routeID, stopOrder}]
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for k := range keys {
		t := r.byKey[k].Target
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Prune drops subscriptions not seen within the TTL and returns how many
// were removed.
func (r *Registry) Prune(ctx context.Context, now time.Time) (int, error) {
	if r.ttl <= 0 {
		return 0, nil
	}
	before := now.Add(-r.ttl)
	if r.store != nil {
		if _, err := r.store.PruneSubscriptions(ctx, before); err != nil {
			return 0, fmt.Errorf("prune subscriptions: %w", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, s := range r.byKey {
		if s.LastSeen.Before(before) {
			r.removeLocked(k)
			n++
		}
	}
	if r.metrics != nil && n > 0 {
		r.metrics.SubscriptionsPruned(n)
	}
	r.reportLocked()
	return n, nil
}

// StartPruner launches a background loop calling Prune every interval.
func (r *Registry) StartPruner(parent context.Context, interval time.Duration) {
	if r.ttl <= 0 || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.pruneCancel = cancel
	r.pruneWG.Add(1)
	go func() {
		defer r.pruneWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.Prune(ctx, r.now())
				if err != nil {
					log.Printf("subscription prune error: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("pruned %d expired subscriptions", n)
				}
			}
		}
	}()
}

func (r *Registry) Stop() {
	if r.pruneCancel != nil {
		r.pruneCancel()
	}
	r.pruneWG.Wait()
}

func (r *Registry) insertLocked(s *Subscription) {
	k := s.Key()
	r.byKey[k] = s
	sk := stopKey{s.RouteID, s.StopOrder}
	set, ok := r.byStop[sk]
	if !ok {
		set = make(map[Key]struct{})
		r.byStop[sk] = set
	}
	set[k] = struct{}{}
}

func (r *Registry) removeLocked(k Key) {
	delete(r.byKey, k)
	sk := stopKey{k.RouteID, k.StopOrder}
	if set, ok := r.byStop[sk]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(r.byStop, sk)
		}
	}
}

func (r *Registry) reportLocked() {
	if r.metrics != nil {
		r.metrics.SubscriptionsActive(len(r.byKey))
	}
}
