// Package connection tracks open TCP connections so a node can close every
// peer and client connection it owns when it shuts down.
package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

var ErrTrackerClosed = errors.New("connection tracker is closed")

// TrackedConn is a net.Conn that removes itself from its tracker on Close.
type TrackedConn struct {
	net.Conn
	tracker *Tracker
	once    sync.Once
	err     error
}

// Close closes the underlying connection once and stops tracking it.
func (c *TrackedConn) Close() error {
	c.once.Do(func() {
		c.tracker.forget(c)
		c.err = c.Conn.Close()
	})
	return c.err
}

// Tracker holds the set of live connections, grouped by remote address.
type Tracker struct {
	mu     sync.Mutex
	conns  map[*TrackedConn]string
	closed bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[*TrackedConn]string)}
}

// Track wraps conn. Once the tracker is closed, conn is closed immediately
// and ErrTrackerClosed is returned.
func (t *Tracker) Track(conn net.Conn) (*TrackedConn, error) {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return t.trackAs(conn, addr)
}

// trackAs records conn under address instead of its resolved remote address.
func (t *Tracker) trackAs(conn net.Conn, address string) (*TrackedConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		conn.Close()
		return nil, ErrTrackerClosed
	}
	tc := &TrackedConn{Conn: conn, tracker: t}
	t.conns[tc] = address
	return tc, nil
}

func (t *Tracker) forget(c *TrackedConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// Active returns the number of open tracked connections.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// ActiveFor returns the number of open tracked connections to address.
// Dialed connections are keyed by the address passed to DialContext,
// accepted ones by their remote address.
func (t *Tracker) ActiveFor(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.conns {
		if a == address {
			n++
		}
	}
	return n
}

// Close closes every tracked connection and refuses new ones.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	conns := make([]*TrackedConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Dialer opens tracked TCP connections to peers.
type Dialer struct {
	*Tracker
	dialer net.Dialer
}

// NewDialer creates a dialer. timeout bounds connection establishment; zero
// leaves it to the context.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{
		Tracker: NewTracker(),
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// DialContext connects to address and tracks the connection under address
// as given, so ActiveFor matches the configured peer spelling.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	tc, err := d.trackAs(conn, address)
	if err != nil {
		return nil, err
	}
	return tc, nil
}
