package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/users"
)

type client struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
	done  chan error
}

// connect runs a session over an in-memory pipe and returns the client end.
func connect(t *testing.T, reg *registry.Registry) *client {
	t.Helper()
	server, conn := net.Pipe()
	sess := New(dispatch.NewTCPConn(server, 32, time.Second), reg, logging.Discard())

	c := &client{t: t, conn: conn, lines: make(chan string, 64), done: make(chan error, 1)}
	go func() { c.done <- sess.Run(context.Background()) }()
	go func() {
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
		close(c.lines)
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) say(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *client) hear() string {
	c.t.Helper()
	select {
	case l, ok := <-c.lines:
		require.True(c.t, ok, "connection closed")
		return l
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a line")
		return ""
	}
}

func (c *client) expect(want ...string) {
	c.t.Helper()
	for _, w := range want {
		assert.Equal(c.t, w, c.hear())
	}
}

func (c *client) roundTrip(line string, want ...string) {
	c.t.Helper()
	c.say(line)
	c.expect(want...)
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store := users.NewStore(4)
	require.NoError(t, store.SeedAdmin("admin", "admin123"))
	return registry.New(store)
}

func TestAuthenticationPhase(t *testing.T) {
	reg := newRegistry(t)
	c := connect(t, reg)

	c.roundTrip("VIEW", "ERROR:AUTHENTICATION:please LOGIN or REGISTER first")
	c.roundTrip("LOGIN:alice:pw", "ERROR:AUTHENTICATION:invalid credentials")
	c.roundTrip("REGISTER:alice:pw:customer", "REGISTERED:alice", "INFO:Registration successful. Please log in.")
	c.roundTrip("REGISTER:alice:pw:customer", "ERROR:CONFLICT:username alice already exists")
	c.roundTrip("REQUEST:A:B", "ERROR:AUTHENTICATION:please LOGIN or REGISTER first")
	c.roundTrip("LOGIN:alice:pw", "LOGGEDIN:alice:customer")
	c.roundTrip("LOGIN:alice:pw", "ERROR:CONFLICT:already logged in as alice")
}

func TestFullRideOverTheWire(t *testing.T) {
	reg := newRegistry(t)
	alice := connect(t, reg)
	bob := connect(t, reg)

	alice.roundTrip("REGISTER:alice:pw:customer", "REGISTERED:alice", "INFO:Registration successful. Please log in.")
	alice.roundTrip("LOGIN:alice:pw", "LOGGEDIN:alice:customer")
	bob.roundTrip("REGISTER:bob:pw:driver", "REGISTERED:bob", "INFO:Registration successful. Please log in.")
	bob.roundTrip("LOGIN:bob:pw", "LOGGEDIN:bob:driver")

	alice.roundTrip("VIEW", "INFO:No current active ride.")
	alice.roundTrip("REQUEST:Downtown:Airport", "REQUEST_RECEIVED:1")
	bob.expect("NEW_RIDE:1:Downtown:Airport")

	bob.roundTrip("OFFER:1:15", "OFFER_SENT:1")
	alice.expect("OFFERS:1:bob=15.0")

	alice.roundTrip("ASSIGN:1:bob", "RIDE_ASSIGNED:1:bob")
	bob.expect("ASSIGNED:1:Downtown:Airport:15.0")
	alice.roundTrip("VIEW", "STATUS:1:ASSIGNED")

	bob.roundTrip("UPDATE:1:START", "STATUS_UPDATED:1:START")
	alice.expect("UPDATE:1:START")
	alice.roundTrip("CANCEL", "ERROR:CONFLICT:ride 1 already started, cannot cancel")
	alice.roundTrip("DISCONNECT", "ERROR:CONFLICT:you are in an ongoing ride, cannot disconnect")

	bob.roundTrip("UPDATE:1:END", "STATUS_UPDATED:1:END")
	alice.expect("UPDATE:1:END")

	alice.roundTrip("RATE:1:5:4:4:smooth: on time", "RATED:1:5:4:4:4:4.0:smooth: on time")
	bob.expect("RATED:1:5:4:4:4:4.0:smooth: on time")
	alice.roundTrip("RATE:1:5:5:5:again", "ERROR:CONFLICT:ride 1 has already been rated")

	alice.roundTrip("DISCONNECT", "DISCONNECTING")
	select {
	case err := <-alice.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after DISCONNECT")
	}
}

func TestRequestWithoutDrivers(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Register("alice", "pw", "customer")
	require.NoError(t, err)
	c := connect(t, reg)
	c.roundTrip("LOGIN:alice:pw", "LOGGEDIN:alice:customer")
	c.roundTrip("REQUEST:A:B", "REQUEST_RECEIVED:1", "INFO:No drivers are currently available.")
	c.roundTrip("CANCEL", "CANCELLED:1")
	c.roundTrip("CANCEL", "INFO:No active ride to cancel.")
}

func TestRoleChecksAndBadInput(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Register("bob", "pw", "driver")
	require.NoError(t, err)
	c := connect(t, reg)
	c.roundTrip("LOGIN:bob:pw", "LOGGEDIN:bob:driver")

	c.roundTrip("REQUEST:A:B", "ERROR:AUTHORIZATION:only customers can request rides")
	c.roundTrip("STATS", "ERROR:AUTHORIZATION:only admin can view statistics")
	c.say("FLY:away")
	assert.Contains(t, c.hear(), "ERROR:VALIDATION:")
	c.say("OFFER:abc:10")
	assert.Contains(t, c.hear(), "ERROR:VALIDATION:")
	c.say("OFFER:1:-5")
	assert.Contains(t, c.hear(), "ERROR:VALIDATION:")
	c.say("UPDATE:1:CANCELLED")
	assert.Contains(t, c.hear(), "ERROR:VALIDATION:")
	c.say("OFFER:1:10")
	assert.Contains(t, c.hear(), "ERROR:NOT_FOUND:")
}

func TestAdminStats(t *testing.T) {
	reg := newRegistry(t)
	c := connect(t, reg)
	c.roundTrip("LOGIN:admin:admin123", "LOGGEDIN:admin:admin")
	c.roundTrip("STATS",
		"STATS:users=1:customers=0:drivers=0:admins=1:online_customers=0:online_drivers=0:rides=0:REQUESTED=0:ASSIGNED=0:START=0:END=0:CANCELLED=0")
	c.roundTrip("REQUEST:A:B", "ERROR:AUTHORIZATION:only customers can request rides")
}

func TestPeerCloseLogsOut(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Register("alice", "pw", "customer")
	require.NoError(t, err)
	c := connect(t, reg)
	c.roundTrip("LOGIN:alice:pw", "LOGGEDIN:alice:customer")
	require.Equal(t, 1, reg.Snapshot().OnlineCustomers)

	require.NoError(t, c.conn.Close())
	select {
	case err := <-c.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer close")
	}
	assert.Equal(t, 0, reg.Snapshot().OnlineCustomers)

	again := connect(t, reg)
	again.roundTrip("LOGIN:alice:pw", "LOGGEDIN:alice:customer")
}
