package realtime

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle phase of a connection
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is one accepted client transport plus its identity.
// Identity and activity are guarded by mu; writes are serialized by writeMu
// so frames to one client keep their send order.
type Connection struct {
	ID         string
	CreatedAt  time.Time
	RemoteAddr string

	transport Transport
	state     atomic.Int32

	mu            sync.RWMutex
	userID        string
	sessionID     string
	lastActivity  time.Time
	subscriptions map[string]struct{}

	writeMu sync.Mutex
}

func newConnection(id string, t Transport, now time.Time) *Connection {
	c := &Connection{
		ID:            id,
		CreatedAt:     now,
		RemoteAddr:    t.RemoteAddr(),
		transport:     t,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// UserID returns the authenticated owner, empty for anonymous connections
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the collaboration session bound at connect time
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Subscribe records channel membership. Returns false if already subscribed.
func (c *Connection) Subscribe(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return false
	}
	c.subscriptions[channel] = struct{}{}
	return true
}

// Unsubscribe removes channel membership. Returns false if not subscribed.
func (c *Connection) Unsubscribe(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	delete(c.subscriptions, channel)
	return true
}

// Subscriptions returns the subscribed channels in sorted order
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *Connection) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// send writes one frame. A connection that is closing or closed never writes.
func (c *Connection) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s := c.State(); s == StateClosing || s == StateClosed {
		return ErrConnectionClosed
	}
	if err := c.transport.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}
