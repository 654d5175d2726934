package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// ParseRole maps free-form input onto a Role. Unknown values return false.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleDriver:
		return RoleDriver, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

type RideStatus string

const (
	StatusRequested RideStatus = "REQUESTED"
	StatusAssigned  RideStatus = "ASSIGNED"
	StatusStarted   RideStatus = "START"
	StatusEnded     RideStatus = "END"
	StatusCancelled RideStatus = "CANCELLED"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []RideStatus{StatusRequested, StatusAssigned, StatusStarted, StatusEnded, StatusCancelled}

// Active reports whether the ride still occupies its customer.
func (s RideStatus) Active() bool {
	return s == StatusRequested || s == StatusAssigned || s == StatusStarted
}

type User struct {
	Username    string  `json:"username"`
	Role        Role    `json:"role"`
	Rating      float64 `json:"rating"`
	RatingCount int     `json:"rating_count"`
}

// Offer is one driver's fare for a ride.
type Offer struct {
	Driver string  `json:"driver"`
	Fare   float64 `json:"fare"`
}

// Ride is a point-in-time copy of a ride; the registry never hands out its own.
type Ride struct {
	ID          int64      `json:"id"`
	Pickup      string     `json:"pickup"`
	Destination string     `json:"destination"`
	Customer    string     `json:"customer"`
	Driver      string     `json:"driver,omitempty"`
	Status      RideStatus `json:"status"`
	Fare        float64    `json:"fare,omitempty"`
	Offers      []Offer    `json:"offers,omitempty"`
	Rated       bool       `json:"rated"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Rating holds the three component scores a customer gives a finished ride.
type Rating struct {
	Behaviour int    `json:"behaviour"`
	Car       int    `json:"car"`
	Ride      int    `json:"ride"`
	Comment   string `json:"comment,omitempty"`
}

// Overall is the truncated mean of the three components.
func (r Rating) Overall() int {
	return int(float64(r.Behaviour+r.Car+r.Ride) / 3.0)
}

type Stats struct {
	Users           int                `json:"users"`
	Customers       int                `json:"customers"`
	Drivers         int                `json:"drivers"`
	Admins          int                `json:"admins"`
	OnlineCustomers int                `json:"online_customers"`
	OnlineDrivers   int                `json:"online_drivers"`
	Rides           int                `json:"rides"`
	ByStatus        map[RideStatus]int `json:"by_status"`
}

type EventType string

const (
	EventRideRequested EventType = "ride.requested"
	EventRideAssigned  EventType = "ride.assigned"
	EventRideStarted   EventType = "ride.started"
	EventRideEnded     EventType = "ride.ended"
	EventRideCancelled EventType = "ride.cancelled"
	EventRideRated     EventType = "ride.rated"
)

// RideEvent is emitted after every committed ride mutation. Ride ids restart
// with every server run, so (RunID, Ride.ID) is the durable identity.
type RideEvent struct {
	RunID        string    `json:"run_id"`
	Type         EventType `json:"type"`
	Ride         Ride      `json:"ride"`
	Rating       *Rating   `json:"rating,omitempty"`
	DriverRating float64   `json:"driver_rating,omitempty"`
	At           time.Time `json:"at"`
}
