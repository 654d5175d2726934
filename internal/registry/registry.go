// Package registry owns all shared dispatch state: online drivers and
// customers, every ride ever requested, and the user store behind them.
//
// A single mutex serializes every operation. Each exported method performs its
// checks and its mutations while holding it, so check-then-act sequences such
// as "no active ride, create one" or "unassigned, assign it" are atomic.
// Rides refer to participants by username only; a participant who disconnects
// can reconnect under the same name and pick the ride up again.
//
// Mutating operations queue the caller's confirmation line on its own peer
// before releasing the lock, so every connection sees lines in commit order.
package registry

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/users"
)

// Peer is the outbound side of a connected session. Send queues one line for
// delivery and must not block; it is called with the registry lock held.
type Peer interface {
	Send(line string) error
}

// EventSink receives an event for every committed ride mutation. Publish is
// called with the registry lock held and must not block.
type EventSink interface {
	Publish(evt models.RideEvent)
}

type nopSink struct{}

func (nopSink) Publish(models.RideEvent) {}

// presence is a logged-in driver or customer. Driver-only fields are zero for
// customers.
type presence struct {
	user        models.User
	peer        Peer
	busy        bool
	pendingRide int64
}

type Registry struct {
	runID string
	users *users.Store
	log   *slog.Logger
	sink  EventSink
	now   func() time.Time

	mu        sync.Mutex
	drivers   map[string]*presence
	customers map[string]*presence
	rides     map[int64]*ride
	active    map[string]int64 // customer -> ride in REQUESTED, ASSIGNED or START
	lastID    int64
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

func WithEventSink(s EventSink) Option { return func(r *Registry) { r.sink = s } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithRunID overrides the generated run id stamped on every event.
func WithRunID(id string) Option { return func(r *Registry) { r.runID = id } }

func New(store *users.Store, opts ...Option) *Registry {
	r := &Registry{
		runID:     uuid.NewString(),
		users:     store,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:      nopSink{},
		now:       time.Now,
		drivers:   make(map[string]*presence),
		customers: make(map[string]*presence),
		rides:     make(map[int64]*ride),
		active:    make(map[string]int64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func key(username string) string { return strings.ToLower(username) }

// RunID identifies this registry's lifetime; ride ids are only unique within it.
func (r *Registry) RunID() string { return r.runID }

// Register creates an account. It never logs the caller in.
func (r *Registry) Register(username, secret, role string) (models.User, error) {
	return r.users.Register(username, secret, role)
}

// Login authenticates and, for drivers and customers, joins the matching role
// list with peer as the delivery target. A username can be online only once.
func (r *Registry) Login(username, secret string, peer Peer) (models.User, error) {
	u, err := r.users.Authenticate(username, secret)
	if err != nil {
		return models.User{}, err
	}
	if u.Role == models.RoleAdmin {
		return u, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.roleList(u.Role)
	k := key(u.Username)
	if _, ok := list[k]; ok {
		return models.User{}, apperr.Conflict("user %s is already connected", u.Username)
	}
	p := &presence{user: u, peer: peer}
	if u.Role == models.RoleDriver {
		p.busy = r.driverHasRideLocked(k)
	}
	list[k] = p
	observability.OnlineSessions.WithLabelValues(string(u.Role)).Inc()
	r.log.Info("user online", "user", u.Username, "role", u.Role, "busy", p.busy)
	return u, nil
}

// Logout removes the user from its role list. Only the peer that logged in
// can remove itself. A departing driver loses its pending marker and its
// offers on rides that are still open.
func (r *Registry) Logout(u models.User, peer Peer) {
	if u.Role == models.RoleAdmin {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.roleList(u.Role)
	k := key(u.Username)
	p, ok := list[k]
	if !ok || p.peer != peer {
		return
	}
	delete(list, k)
	observability.OnlineSessions.WithLabelValues(string(u.Role)).Dec()
	if u.Role == models.RoleDriver {
		r.withdrawOffersLocked(k)
	}
	r.log.Info("user offline", "user", u.Username, "role", u.Role)
}

func (r *Registry) roleList(role models.Role) map[string]*presence {
	if role == models.RoleDriver {
		return r.drivers
	}
	return r.customers
}

// actorLocked resolves an online caller and checks its role.
func (r *Registry) actorLocked(username string, role models.Role) (*presence, error) {
	p, ok := r.roleList(role)[key(username)]
	if !ok {
		if _, other := r.roleList(otherRole(role))[key(username)]; other {
			return nil, apperr.Authorization("only %ss can do that", role)
		}
		return nil, apperr.Authorization("user %s is not logged in as %s", username, role)
	}
	return p, nil
}

func otherRole(role models.Role) models.Role {
	if role == models.RoleDriver {
		return models.RoleCustomer
	}
	return models.RoleDriver
}

func (r *Registry) driverHasRideLocked(driverKey string) bool {
	for _, rd := range r.rides {
		if key(rd.driver) == driverKey && (rd.status == models.StatusAssigned || rd.status == models.StatusStarted) {
			return true
		}
	}
	return false
}

// CanDisconnect refuses a voluntary disconnect while the user is in a
// started ride.
func (r *Registry) CanDisconnect(username string) error {
	k := key(username)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rd := range r.rides {
		if rd.status != models.StatusStarted {
			continue
		}
		if key(rd.customer) == k || key(rd.driver) == k {
			return apperr.Conflict("you are in an ongoing ride, cannot disconnect")
		}
	}
	return nil
}

// Stats is the admin-only snapshot.
func (r *Registry) Stats(caller models.User) (models.Stats, error) {
	if caller.Role != models.RoleAdmin {
		return models.Stats{}, apperr.Authorization("only admin can view statistics")
	}
	return r.Snapshot(), nil
}

// Snapshot counts users, online sessions and rides by status.
func (r *Registry) Snapshot() models.Stats {
	counts := r.users.Counts()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := models.Stats{
		Customers:       counts[models.RoleCustomer],
		Drivers:         counts[models.RoleDriver],
		Admins:          counts[models.RoleAdmin],
		OnlineCustomers: len(r.customers),
		OnlineDrivers:   len(r.drivers),
		Rides:           len(r.rides),
		ByStatus:        make(map[models.RideStatus]int, len(models.AllStatuses)),
	}
	st.Users = st.Customers + st.Drivers + st.Admins
	for _, s := range models.AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, rd := range r.rides {
		st.ByStatus[rd.status]++
	}
	return st
}

// DriverState reports a driver's busy flag and pending offer ride (0 when
// none). ok is false when the driver is not online.
func (r *Registry) DriverState(username string) (busy bool, pendingRide int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[key(username)]
	if !ok {
		return false, 0, false
	}
	return p.busy, p.pendingRide, true
}

func (r *Registry) Ride(id int64) (models.Ride, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd, ok := r.rides[id]
	if !ok {
		return models.Ride{}, false
	}
	return rd.snapshot(), true
}

// send delivers line to p if p is online. Failures are logged; a broken peer
// is torn down by its own session.
func (r *Registry) send(p *presence, line string) {
	if p == nil {
		return
	}
	if err := p.peer.Send(line); err != nil {
		r.log.Warn("push failed", "user", p.user.Username, "error", err)
	}
}

func (r *Registry) emit(t models.EventType, rd *ride, rating *models.Rating, driverRating float64) {
	observability.RideTransitions.WithLabelValues(string(rd.status)).Inc()
	r.sink.Publish(models.RideEvent{RunID: r.runID, Type: t, Ride: rd.snapshot(), Rating: rating, DriverRating: driverRating, At: rd.updatedAt})
}
