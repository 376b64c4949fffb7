package feed

import (
	"log"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"transit-tracker/internal/progress"
)

// SnapshotSource lists the active runs.
type SnapshotSource interface {
	Snapshots() []progress.Snapshot
}

// Occupancy maps seat availability onto the GTFS-realtime scale.
func Occupancy(s progress.Snapshot) gtfsrtpb.VehiclePosition_OccupancyStatus {
	switch {
	case s.Onboard == 0:
		return gtfsrtpb.VehiclePosition_EMPTY
	case s.AvailableSeats <= 0:
		return gtfsrtpb.VehiclePosition_FULL
	case s.AvailableSeats*2 >= s.Capacity:
		return gtfsrtpb.VehiclePosition_MANY_SEATS_AVAILABLE
	default:
		return gtfsrtpb.VehiclePosition_FEW_SEATS_AVAILABLE
	}
}

// VehiclePositions builds a full-dataset feed with one entity per run. A
// run is always stopped at its current stop, so that stop's coordinates are
// the vehicle position.
func VehiclePositions(runs []progress.Snapshot, now time.Time) *gtfsrtpb.FeedMessage {
	incrementality := gtfsrtpb.FeedHeader_FULL_DATASET
	msg := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, s := range runs {
		status := gtfsrtpb.VehiclePosition_STOPPED_AT
		occupancy := Occupancy(s)
		msg.Entity = append(msg.Entity, &gtfsrtpb.FeedEntity{
			Id: proto.String(s.RunID),
			Vehicle: &gtfsrtpb.VehiclePosition{
				Trip: &gtfsrtpb.TripDescriptor{
					TripId:  proto.String(s.RunID),
					RouteId: proto.String(s.RouteID),
				},
				Vehicle: &gtfsrtpb.VehicleDescriptor{
					Id:    proto.String(s.VehicleID),
					Label: proto.String(s.VehicleID),
				},
				Position: &gtfsrtpb.Position{
					Latitude:  proto.Float32(float32(s.Coord.Lat)),
					Longitude: proto.Float32(float32(s.Coord.Lon)),
				},
				CurrentStopSequence: proto.Uint32(uint32(s.CurrentStop)),
				StopId:              proto.String(s.CurrentStopID),
				CurrentStatus:       &status,
				Timestamp:           proto.Uint64(uint64(s.UpdatedAt.Unix())),
				OccupancyStatus:     &occupancy,
			},
		})
	}
	return msg
}

// Handler serves the feed as protobuf, or as JSON with ?format=json.
func Handler(src SnapshotSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := VehiclePositions(src.Snapshots(), time.Now())
		var (
			body []byte
			err  error
		)
		if r.URL.Query().Get("format") == "json" {
			body, err = protojson.MarshalOptions{Indent: "  "}.Marshal(msg)
			w.Header().Set("Content-Type", "application/json")
		} else {
			body, err = proto.Marshal(msg)
			w.Header().Set("Content-Type", "application/x-protobuf")
		}
		if err != nil {
			log.Printf("marshal vehicle positions error: %v", err)
			http.Error(w, "feed unavailable", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	})
}
