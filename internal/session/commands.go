package session

import (
	"strings"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Mutating commands get their confirmation line from the registry, queued
// under its lock; handlers only reply for reads and no-ops.
type command struct {
	roles  []models.Role // empty means any authenticated user
	denied string
	run    func(s *Session, cmd protocol.Command) (quit bool, err error)
}

var commands map[protocol.Verb]command

func init() {
	customer := []models.Role{models.RoleCustomer}
	driver := []models.Role{models.RoleDriver}
	commands = map[protocol.Verb]command{
		protocol.VerbRequest:    {customer, "only customers can request rides", (*Session).request},
		protocol.VerbView:       {customer, "only customers can view ride status", (*Session).view},
		protocol.VerbOffer:      {driver, "only drivers can offer rides", (*Session).offer},
		protocol.VerbAssign:     {customer, "only customers can assign rides", (*Session).assign},
		protocol.VerbUpdate:     {driver, "only drivers can update ride status", (*Session).update},
		protocol.VerbRate:       {customer, "only customers can rate drivers", (*Session).rate},
		protocol.VerbCancel:     {customer, "only customers can cancel rides", (*Session).cancel},
		protocol.VerbStats:      {[]models.Role{models.RoleAdmin}, "only admin can view statistics", (*Session).stats},
		protocol.VerbDisconnect: {nil, "", (*Session).disconnect},
	}
}

func (s *Session) dispatch(cmd protocol.Command) (bool, error) {
	c, ok := commands[cmd.Verb]
	if !ok {
		if cmd.Verb == protocol.VerbLogin || cmd.Verb == protocol.VerbRegister {
			return false, apperr.Conflict("already logged in as %s", s.user.Username)
		}
		return false, apperr.Validation("unknown command %s", cmd.Verb)
	}
	if len(c.roles) > 0 && !hasRole(c.roles, s.user.Role) {
		return false, apperr.Authorization("%s", c.denied)
	}
	return c.run(s, cmd)
}

func hasRole(roles []models.Role, r models.Role) bool {
	for _, want := range roles {
		if want == r {
			return true
		}
	}
	return false
}

func (s *Session) request(cmd protocol.Command) (bool, error) {
	if err := cmd.Need(2, "REQUEST:pickup:destination"); err != nil {
		return false, err
	}
	_, _, err := s.reg.RequestRide(s.user.Username, cmd.Args[0], cmd.Args[1])
	return false, err
}

func (s *Session) view(protocol.Command) (bool, error) {
	ride, ok, err := s.reg.ActiveRide(s.user.Username)
	if err != nil {
		return false, err
	}
	if !ok {
		s.reply(protocol.Info(protocol.MsgNoActiveRide))
		return false, nil
	}
	s.reply(protocol.Status(ride))
	return false, nil
}

func (s *Session) offer(cmd protocol.Command) (bool, error) {
	if err := cmd.Need(2, "OFFER:rideId:fare"); err != nil {
		return false, err
	}
	id, err := protocol.ParseRideID(cmd.Args[0])
	if err != nil {
		return false, err
	}
	fare, err := protocol.ParseFare(cmd.Args[1])
	if err != nil {
		return false, err
	}
	return false, s.reg.Offer(s.user.Username, id, fare)
}

func (s *Session) assign(cmd protocol.Command) (bool, error) {
	if err := cmd.Need(2, "ASSIGN:rideId:driver"); err != nil {
		return false, err
	}
	id, err := protocol.ParseRideID(cmd.Args[0])
	if err != nil {
		return false, err
	}
	driver := strings.TrimSpace(cmd.Args[1])
	if driver == "" {
		return false, apperr.Validation("driver username is required")
	}
	_, err = s.reg.Assign(s.user.Username, id, driver)
	return false, err
}

func (s *Session) update(cmd protocol.Command) (bool, error) {
	if err := cmd.Need(2, "UPDATE:rideId:START|END"); err != nil {
		return false, err
	}
	id, err := protocol.ParseRideID(cmd.Args[0])
	if err != nil {
		return false, err
	}
	status, err := protocol.ParseUpdateStatus(cmd.Args[1])
	if err != nil {
		return false, err
	}
	_, err = s.reg.UpdateStatus(s.user.Username, id, status)
	return false, err
}

func (s *Session) rate(cmd protocol.Command) (bool, error) {
	if err := cmd.Need(5, "RATE:rideId:behaviour:car:ride:comment"); err != nil {
		return false, err
	}
	id, err := protocol.ParseRideID(cmd.Args[0])
	if err != nil {
		return false, err
	}
	var scores [3]int
	for i := range scores {
		if scores[i], err = protocol.ParseScore(cmd.Args[i+1]); err != nil {
			return false, err
		}
	}
	rt := models.Rating{Behaviour: scores[0], Car: scores[1], Ride: scores[2], Comment: cmd.Args[4]}
	_, _, err = s.reg.Rate(s.user.Username, id, rt)
	return false, err
}

func (s *Session) cancel(protocol.Command) (bool, error) {
	_, ok, err := s.reg.Cancel(s.user.Username)
	if err != nil {
		return false, err
	}
	if !ok {
		s.reply(protocol.Info(protocol.MsgNothingCancel))
	}
	return false, nil
}

func (s *Session) stats(protocol.Command) (bool, error) {
	st, err := s.reg.Stats(*s.user)
	if err != nil {
		return false, err
	}
	s.reply(protocol.Stats(st))
	return false, nil
}

func (s *Session) disconnect(protocol.Command) (bool, error) {
	if err := s.reg.CanDisconnect(s.user.Username); err != nil {
		return false, err
	}
	s.reply(protocol.Disconnecting)
	return true, nil
}
