package registry

import (
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// broadcastLocked pushes a new ride to every driver that is not busy and
// returns how many were reached.
func (r *Registry) broadcastLocked(rd *ride) int {
	line := protocol.NewRide(rd.snapshot())
	n := 0
	for _, d := range r.drivers {
		if d.busy {
			continue
		}
		r.send(d, line)
		n++
	}
	observability.BroadcastFanout.Observe(float64(n))
	return n
}

// pushOffersLocked sends the full offer book to the ride's customer.
func (r *Registry) pushOffersLocked(rd *ride) {
	r.send(r.customers[key(rd.customer)], protocol.Offers(rd.id, rd.snapshot().Offers))
}

// Offer records or replaces the driver's fare on an open ride. A driver holds
// at most one unanswered offer; re-offering on the same ride updates the fare.
func (r *Registry) Offer(driver string, rideID int64, fare float64) error {
	if fare <= 0 {
		return apperr.Validation("fare must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(driver, models.RoleDriver)
	if err != nil {
		return err
	}
	if p.busy {
		return apperr.Conflict("you are already serving a ride")
	}
	if p.pendingRide != 0 && p.pendingRide != rideID {
		return apperr.Conflict("you have already sent an offer for ride %d", p.pendingRide)
	}
	rd, ok := r.rides[rideID]
	if !ok || rd.status != models.StatusRequested {
		return apperr.NotFound("ride %d not found or already assigned", rideID)
	}

	rd.offers[key(p.user.Username)] = models.Offer{Driver: p.user.Username, Fare: fare}
	p.pendingRide = rideID
	r.send(p, protocol.OfferSent(rideID))
	r.pushOffersLocked(rd)
	observability.OffersTotal.Inc()
	r.log.Info("offer received", "ride_id", rideID, "driver", p.user.Username, "fare", fare)
	return nil
}

// Assign commits the customer's choice among the ride's offers. The first
// successful assignment wins; the chosen driver becomes busy and every
// pending marker on this ride is released.
func (r *Registry) Assign(customer string, rideID int64, driver string) (models.Ride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(customer, models.RoleCustomer)
	if err != nil {
		return models.Ride{}, err
	}
	rd, ok := r.rides[rideID]
	if !ok {
		return models.Ride{}, apperr.NotFound("ride %d not found", rideID)
	}
	if key(rd.customer) != key(p.user.Username) {
		return models.Ride{}, apperr.Authorization("you are not authorized to assign ride %d", rideID)
	}
	switch rd.status {
	case models.StatusRequested:
	case models.StatusCancelled:
		return models.Ride{}, apperr.Conflict("ride %d is cancelled", rideID)
	default:
		return models.Ride{}, apperr.Conflict("ride %d already assigned", rideID)
	}
	dk := key(driver)
	offer, ok := rd.offers[dk]
	if !ok {
		return models.Ride{}, apperr.NotFound("driver %s has not offered on ride %d", driver, rideID)
	}
	d, ok := r.drivers[dk]
	if !ok {
		return models.Ride{}, apperr.NotFound("driver %s is not connected", driver)
	}
	if d.busy {
		return models.Ride{}, apperr.Conflict("driver %s is already serving a ride", offer.Driver)
	}

	rd.driver = offer.Driver
	rd.fare = offer.Fare
	rd.setStatus(models.StatusAssigned, r.now())
	d.busy = true
	r.clearPendingLocked(rd.id)
	r.send(p, protocol.RideAssigned(rd.snapshot()))
	r.send(d, protocol.Assigned(rd.snapshot()))
	r.emit(models.EventRideAssigned, rd, nil, 0)
	r.log.Info("ride assigned", "ride_id", rd.id, "driver", rd.driver, "fare", rd.fare)
	return rd.snapshot(), nil
}

// clearPendingLocked releases every driver whose pending offer points at the
// ride, since it no longer takes offers.
func (r *Registry) clearPendingLocked(rideID int64) {
	for _, d := range r.drivers {
		if d.pendingRide == rideID {
			d.pendingRide = 0
		}
	}
}

// withdrawOffersLocked removes a departing driver's offers from rides that are
// still open and refreshes those customers' offer books.
func (r *Registry) withdrawOffersLocked(driverKey string) {
	for _, rd := range r.rides {
		if rd.status != models.StatusRequested {
			continue
		}
		if _, ok := rd.offers[driverKey]; !ok {
			continue
		}
		delete(rd.offers, driverKey)
		r.pushOffersLocked(rd)
	}
}
