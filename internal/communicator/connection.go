package communicator

import (
	"sync"

	"github.com/orpcrt/orpc/internal/ipc"
)

// ConnectionState is a Connection's lifecycle stage (spec §4.10):
// Constructed → Announced → Active → Terminating → Dead.
type ConnectionState int

const (
	ConnectionConstructed ConnectionState = iota
	ConnectionAnnounced
	ConnectionActive
	ConnectionTerminating
	ConnectionDead
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConstructed:
		return "Constructed"
	case ConnectionAnnounced:
		return "Announced"
	case ConnectionActive:
		return "Active"
	case ConnectionTerminating:
		return "Terminating"
	case ConnectionDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Connection is the server-side view of an opened remote process (spec
// §3): a unique ConnectionId, the channel it rides, the remote's process
// id where known, and a human callsign for diagnostics.
type Connection struct {
	ID        uint64
	Channel   ipc.Channel
	ProcessID int
	Callsign  string

	mu    sync.Mutex
	state ConnectionState
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connectionTable is a monotonic ConnectionId allocator plus a
// mutex-guarded map, the same table+lock shape the teacher's
// internal/lifecycle.Manager uses for its instances map.
type connectionTable struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*Connection
}

func newConnectionTable() *connectionTable {
	return &connectionTable{entries: make(map[uint64]*Connection)}
}

func (t *connectionTable) add(channel ipc.Channel, processID int, callsign string) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	conn := &Connection{ID: t.next, Channel: channel, ProcessID: processID, Callsign: callsign, state: ConnectionConstructed}
	t.entries[conn.ID] = conn
	return conn
}

func (t *connectionTable) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *connectionTable) lookup(channel ipc.Channel) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.entries {
		if conn.Channel == channel {
			return conn, true
		}
	}
	return nil, false
}

func (t *connectionTable) snapshot() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Connection, 0, len(t.entries))
	for _, conn := range t.entries {
		out = append(out, conn)
	}
	return out
}
