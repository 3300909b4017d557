// Package failover maintains the ordered list of candidate radio-unit
// endpoints and the cycle/backoff state used by the session supervisor when
// a control connection fails. The selector is owned by the supervisor alone
// and is mutated only from its control flow, so it is deliberately not
// synchronised.
package failover

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrExhausted is returned by [Selector.Next] once every endpoint has been
// tried the configured number of full cycles without a healthy session.
var ErrExhausted = errors.New("failover: all endpoints exhausted")

// Endpoint identifies one candidate radio unit. Immutable once parsed.
type Endpoint struct {
	Host        string
	ControlPort int
}

// Addr returns the endpoint as a dialable host:port string.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.ControlPort))
}

// String implements fmt.Stringer.
func (e Endpoint) String() string { return e.Addr() }

// ParseEndpoint parses a "host:port" string into an [Endpoint].
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failover: endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("failover: endpoint %q: invalid port %q", s, portStr)
	}
	return Endpoint{Host: host, ControlPort: port}, nil
}

// ParseEndpoints parses an ordered list of "host:port" strings.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	if len(list) == 0 {
		return nil, errors.New("failover: endpoint list is empty")
	}
	eps := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Selector walks the configured endpoint list in order, wrapping back to the
// first after the last. With MaxCycles > 0, Next fails with [ErrExhausted]
// after that many full cycles without a [Selector.Reset].
//
// MinDwell guards against flapping endpoints: a Next call arriving within
// MinDwell of the previous advance returns the current endpoint again
// instead of moving on.
type Selector struct {
	endpoints []Endpoint
	maxCycles int
	minDwell  time.Duration

	idx       int
	cycles    int
	started   bool
	lastMove  time.Time
	now       func() time.Time // test hook
}

// Options configures a [Selector].
type Options struct {
	// MaxCycles caps full passes through the list before Next returns
	// ErrExhausted. 0 or negative means unlimited.
	MaxCycles int

	// MinDwell is the minimum time between successive advances. 0 disables
	// the dwell guard.
	MinDwell time.Duration
}

// NewSelector creates a Selector over the given non-empty endpoint list.
func NewSelector(endpoints []Endpoint, opts Options) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("failover: selector needs at least one endpoint")
	}
	eps := make([]Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Selector{
		endpoints: eps,
		maxCycles: opts.MaxCycles,
		minDwell:  opts.MinDwell,
		now:       time.Now,
	}, nil
}

// Next returns the endpoint to try. The first call returns the first
// configured endpoint; each subsequent call advances to the next one,
// wrapping after the last. Returns [ErrExhausted] once MaxCycles full
// cycles have completed without a Reset.
func (s *Selector) Next() (Endpoint, error) {
	if !s.started {
		s.started = true
		s.lastMove = s.now()
		return s.endpoints[s.idx], nil
	}

	if s.minDwell > 0 && s.now().Sub(s.lastMove) < s.minDwell {
		// Still inside the dwell window; stay on the current endpoint.
		return s.endpoints[s.idx], nil
	}

	s.idx++
	if s.idx >= len(s.endpoints) {
		s.idx = 0
		s.cycles++
		if s.maxCycles > 0 && s.cycles >= s.maxCycles {
			return Endpoint{}, ErrExhausted
		}
	}
	s.lastMove = s.now()
	return s.endpoints[s.idx], nil
}

// Reset clears the cycle counter and rewinds to the first endpoint. The
// supervisor calls it once a session has stayed healthy for the grace
// period, so a historically flaky endpoint cannot permanently cap future
// retries.
func (s *Selector) Reset() {
	s.idx = 0
	s.cycles = 0
	s.started = false
}

// Current returns the endpoint most recently handed out by Next. Valid only
// after the first Next call.
func (s *Selector) Current() Endpoint {
	return s.endpoints[s.idx]
}

// Len returns the number of configured endpoints.
func (s *Selector) Len() int { return len(s.endpoints) }
