package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

type ride struct {
	id          int64
	pickup      string
	destination string
	customer    string
	driver      string
	status      models.RideStatus
	fare        float64
	offers      map[string]models.Offer // keyed by lowercased driver name
	rated       bool
	createdAt   time.Time
	updatedAt   time.Time
}

func (rd *ride) snapshot() models.Ride {
	out := models.Ride{
		ID:          rd.id,
		Pickup:      rd.pickup,
		Destination: rd.destination,
		Customer:    rd.customer,
		Driver:      rd.driver,
		Status:      rd.status,
		Fare:        rd.fare,
		Rated:       rd.rated,
		CreatedAt:   rd.createdAt,
		UpdatedAt:   rd.updatedAt,
	}
	for _, o := range rd.offers {
		out.Offers = append(out.Offers, o)
	}
	sort.Slice(out.Offers, func(i, j int) bool { return out.Offers[i].Driver < out.Offers[j].Driver })
	return out
}

func (rd *ride) setStatus(s models.RideStatus, at time.Time) {
	rd.status = s
	rd.updatedAt = at
}

// RequestRide opens a ride for the customer and broadcasts it to idle drivers.
// notified is the number of drivers that received the broadcast.
func (r *Registry) RequestRide(customer, pickup, destination string) (opened models.Ride, notified int, err error) {
	pickup, destination = strings.TrimSpace(pickup), strings.TrimSpace(destination)
	if pickup == "" || destination == "" {
		return models.Ride{}, 0, apperr.Validation("pickup and destination are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(customer, models.RoleCustomer)
	if err != nil {
		return models.Ride{}, 0, err
	}
	k := key(p.user.Username)
	if id, ok := r.active[k]; ok {
		return models.Ride{}, 0, apperr.Conflict("you already have an active ride %d, cancel it before requesting a new one", id)
	}
	r.lastID++
	now := r.now()
	rd := &ride{
		id:          r.lastID,
		pickup:      pickup,
		destination: destination,
		customer:    p.user.Username,
		status:      models.StatusRequested,
		offers:      make(map[string]models.Offer),
		createdAt:   now,
		updatedAt:   now,
	}
	r.rides[rd.id] = rd
	r.active[k] = rd.id
	r.send(p, protocol.RequestReceived(rd.id))
	r.emit(models.EventRideRequested, rd, nil, 0)
	notified = r.broadcastLocked(rd)
	if notified == 0 {
		r.send(p, protocol.Info(protocol.MsgNoDrivers))
	}
	r.log.Info("ride requested", "ride_id", rd.id, "customer", rd.customer, "notified", notified)
	return rd.snapshot(), notified, nil
}

// ActiveRide returns the customer's ride in REQUESTED, ASSIGNED or START.
func (r *Registry) ActiveRide(customer string) (models.Ride, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(customer, models.RoleCustomer)
	if err != nil {
		return models.Ride{}, false, err
	}
	id, ok := r.active[key(p.user.Username)]
	if !ok {
		return models.Ride{}, false, nil
	}
	return r.rides[id].snapshot(), true, nil
}

// UpdateStatus advances a ride the driver is assigned to: ASSIGNED to START,
// or START to END. The customer is told about the new status.
func (r *Registry) UpdateStatus(driver string, rideID int64, next models.RideStatus) (models.Ride, error) {
	if next != models.StatusStarted && next != models.StatusEnded {
		return models.Ride{}, apperr.Validation("invalid status %s, only START or END allowed", next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(driver, models.RoleDriver)
	if err != nil {
		return models.Ride{}, err
	}
	rd, ok := r.rides[rideID]
	if !ok {
		return models.Ride{}, apperr.NotFound("ride %d not found", rideID)
	}
	if rd.driver == "" || key(rd.driver) != key(p.user.Username) {
		return models.Ride{}, apperr.Authorization("you are not assigned to ride %d", rideID)
	}

	evt := models.EventRideStarted
	switch next {
	case models.StatusStarted:
		if rd.status == models.StatusStarted {
			return models.Ride{}, apperr.Conflict("ride %d is already started", rideID)
		}
		if rd.status != models.StatusAssigned {
			return models.Ride{}, apperr.Conflict("ride %d cannot start from %s", rideID, rd.status)
		}
	case models.StatusEnded:
		if rd.status != models.StatusStarted {
			return models.Ride{}, apperr.Conflict("ride %d must be started before ending", rideID)
		}
		evt = models.EventRideEnded
	}

	rd.setStatus(next, r.now())
	if next == models.StatusEnded {
		p.busy = false
		delete(r.active, key(rd.customer))
	}
	r.send(p, protocol.StatusUpdated(rd.snapshot()))
	r.send(r.customers[key(rd.customer)], protocol.Update(rd.id, next))
	r.emit(evt, rd, nil, 0)
	r.log.Info("ride status updated", "ride_id", rd.id, "driver", rd.driver, "status", next)
	return rd.snapshot(), nil
}

// Cancel cancels the customer's active ride unless it has started. ok is
// false when there is nothing to cancel.
func (r *Registry) Cancel(customer string) (cancelled models.Ride, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(customer, models.RoleCustomer)
	if err != nil {
		return models.Ride{}, false, err
	}
	k := key(p.user.Username)
	id, ok := r.active[k]
	if !ok {
		return models.Ride{}, false, nil
	}
	rd := r.rides[id]
	if rd.status == models.StatusStarted {
		return models.Ride{}, false, apperr.Conflict("ride %d already started, cannot cancel", id)
	}

	rd.setStatus(models.StatusCancelled, r.now())
	delete(r.active, k)
	if rd.driver != "" {
		if d, online := r.drivers[key(rd.driver)]; online {
			d.busy = false
		}
	}
	r.clearPendingLocked(rd.id)
	r.send(p, protocol.Cancelled(rd.id))
	for _, d := range r.drivers {
		r.send(d, protocol.Update(rd.id, models.StatusCancelled))
	}
	r.emit(models.EventRideCancelled, rd, nil, 0)
	r.log.Info("ride cancelled", "ride_id", rd.id, "customer", rd.customer)
	return rd.snapshot(), true, nil
}

// Rate records the customer's rating of a finished ride and folds the overall
// score into the driver's running mean. Both parties get the summary.
func (r *Registry) Rate(customer string, rideID int64, rt models.Rating) (rated models.Ride, driverRating float64, err error) {
	for _, v := range []int{rt.Behaviour, rt.Car, rt.Ride} {
		if v < 1 || v > 5 {
			return models.Ride{}, 0, apperr.Validation("ratings must be between 1 and 5")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.actorLocked(customer, models.RoleCustomer)
	if err != nil {
		return models.Ride{}, 0, err
	}
	rd, ok := r.rides[rideID]
	if !ok {
		return models.Ride{}, 0, apperr.NotFound("ride %d not found", rideID)
	}
	if key(rd.customer) != key(p.user.Username) {
		return models.Ride{}, 0, apperr.Authorization("you are not authorized to rate ride %d", rideID)
	}
	if rd.status != models.StatusEnded {
		return models.Ride{}, 0, apperr.Conflict("ride %d must be ended before rating", rideID)
	}
	if rd.rated {
		return models.Ride{}, 0, apperr.Conflict("ride %d has already been rated", rideID)
	}

	driverRating, err = r.users.AddRating(rd.driver, rt.Overall())
	if err != nil {
		return models.Ride{}, 0, err
	}
	rd.rated = true
	rd.updatedAt = r.now()
	line := protocol.Rated(rd.id, rt, driverRating)
	r.send(p, line)
	r.send(r.drivers[key(rd.driver)], line)
	r.emit(models.EventRideRated, rd, &rt, driverRating)
	r.log.Info("ride rated", "ride_id", rd.id, "driver", rd.driver, "overall", rt.Overall(), "driver_rating", driverRating)
	return rd.snapshot(), driverRating, nil
}
