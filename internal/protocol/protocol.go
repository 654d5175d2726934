// Package protocol holds the colon-delimited line format spoken between
// clients and the dispatch server. Fields are not escaped; only RATE keeps
// colons inside its trailing comment.
package protocol

import (
	"sort"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Verb string

const (
	VerbRegister   Verb = "REGISTER"
	VerbLogin      Verb = "LOGIN"
	VerbRequest    Verb = "REQUEST"
	VerbView       Verb = "VIEW"
	VerbOffer      Verb = "OFFER"
	VerbAssign     Verb = "ASSIGN"
	VerbUpdate     Verb = "UPDATE"
	VerbRate       Verb = "RATE"
	VerbCancel     Verb = "CANCEL"
	VerbStats      Verb = "STATS"
	VerbDisconnect Verb = "DISCONNECT"
)

const (
	Sep = ":"

	rateFields = 6
)

// Command is one parsed client line. Args excludes the verb.
type Command struct {
	Verb Verb
	Args []string
	Raw  string
}

// Parse splits a line into its verb and fields. The verb is case-insensitive.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, apperr.Validation("empty command")
	}
	head, _, _ := strings.Cut(line, Sep)
	verb := Verb(strings.ToUpper(strings.TrimSpace(head)))
	var parts []string
	if verb == VerbRate {
		parts = strings.SplitN(line, Sep, rateFields)
	} else {
		parts = strings.Split(line, Sep)
	}
	return Command{Verb: verb, Args: parts[1:], Raw: line}, nil
}

// Need fails with a validation error unless at least n fields follow the verb.
func (c Command) Need(n int, usage string) error {
	if len(c.Args) < n {
		return apperr.Validation("invalid %s format, expected %s", c.Verb, usage)
	}
	return nil
}

func ParseRideID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid ride id %q", s)
	}
	return id, nil
}

// ParseFare accepts a finite positive amount.
func ParseFare(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 || f != f || f > 1e12 {
		return 0, apperr.Validation("invalid fare %q", s)
	}
	return f, nil
}

// ParseScore accepts an integer rating between 1 and 5.
func ParseScore(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, apperr.Validation("invalid rating %q", s)
	}
	if n < 1 || n > 5 {
		return 0, apperr.Validation("ratings must be between 1 and 5")
	}
	return n, nil
}

func ParseUpdateStatus(s string) (models.RideStatus, error) {
	switch st := models.RideStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case models.StatusStarted, models.StatusEnded:
		return st, nil
	}
	return "", apperr.Validation("invalid status %q, only START or END allowed", s)
}

// FormatNumber renders a float the way clients have always seen it: integral
// values keep one decimal ("15.0"), others use the shortest exact form.
func FormatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

func join(fields ...string) string { return strings.Join(fields, Sep) }

func id(n int64) string { return strconv.FormatInt(n, 10) }

func Error(err error) string {
	return join("ERROR", apperr.KindOf(err).String(), apperr.Message(err))
}

func Info(msg string) string { return "INFO" + Sep + msg }

func Registered(username string) string { return join("REGISTERED", username) }

func LoggedIn(u models.User) string { return join("LOGGEDIN", u.Username, string(u.Role)) }

func RequestReceived(rideID int64) string { return join("REQUEST_RECEIVED", id(rideID)) }

func NewRide(r models.Ride) string { return join("NEW_RIDE", id(r.ID), r.Pickup, r.Destination) }

func Status(r models.Ride) string { return join("STATUS", id(r.ID), string(r.Status)) }

func OfferSent(rideID int64) string { return join("OFFER_SENT", id(rideID)) }

// Offers renders the full offer book, ordered by driver name.
func Offers(rideID int64, offers []models.Offer) string {
	sorted := append([]models.Offer(nil), offers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Driver < sorted[j].Driver })
	fields := []string{"OFFERS", id(rideID)}
	for _, o := range sorted {
		fields = append(fields, o.Driver+"="+FormatNumber(o.Fare))
	}
	return join(fields...)
}

func RideAssigned(r models.Ride) string { return join("RIDE_ASSIGNED", id(r.ID), r.Driver) }

func Assigned(r models.Ride) string {
	return join("ASSIGNED", id(r.ID), r.Pickup, r.Destination, FormatNumber(r.Fare))
}

func StatusUpdated(r models.Ride) string { return join("STATUS_UPDATED", id(r.ID), string(r.Status)) }

func Update(rideID int64, st models.RideStatus) string { return join("UPDATE", id(rideID), string(st)) }

func Cancelled(rideID int64) string { return join("CANCELLED", id(rideID)) }

func Rated(rideID int64, rt models.Rating, driverRating float64) string {
	return join("RATED", id(rideID),
		strconv.Itoa(rt.Behaviour), strconv.Itoa(rt.Car), strconv.Itoa(rt.Ride),
		strconv.Itoa(rt.Overall()), FormatNumber(driverRating), rt.Comment)
}

func Stats(st models.Stats) string {
	kv := func(k string, v int) string { return k + "=" + strconv.Itoa(v) }
	fields := []string{
		"STATS",
		kv("users", st.Users),
		kv("customers", st.Customers),
		kv("drivers", st.Drivers),
		kv("admins", st.Admins),
		kv("online_customers", st.OnlineCustomers),
		kv("online_drivers", st.OnlineDrivers),
		kv("rides", st.Rides),
	}
	for _, s := range models.AllStatuses {
		fields = append(fields, kv(string(s), st.ByStatus[s]))
	}
	return join(fields...)
}

const Disconnecting = "DISCONNECTING"

const (
	MsgPleaseLogin   = "Registration successful. Please log in."
	MsgNoDrivers     = "No drivers are currently available."
	MsgNoActiveRide  = "No current active ride."
	MsgNothingCancel = "No active ride to cancel."
)
