package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// ArchiveSink writes every ride event into a TripStore under the event's run.
type ArchiveSink struct {
	Store TripStore
}

func (a *ArchiveSink) Name() string { return "archive" }

func (a *ArchiveSink) Handle(ctx context.Context, evt models.RideEvent) error {
	if evt.RunID == "" {
		return errors.New("ride event without run id")
	}
	switch evt.Type {
	case models.EventRideRequested:
		return a.Store.SaveRide(ctx, evt.RunID, evt.Ride)
	case models.EventRideRated:
		if evt.Rating != nil {
			if err := a.Store.SaveRating(ctx, evt.RunID, evt.Ride.ID, *evt.Rating); err != nil {
				return err
			}
		}
	}
	return a.Store.UpdateRide(ctx, evt.RunID, evt.Ride)
}
