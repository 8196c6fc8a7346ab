// Package ipc implements the Channel abstraction (spec §4.3): a framed,
// bidirectional message stream with request/response correlation, an
// explicit open/close lifecycle, and a delivery hook for inbound
// Announce/Invoke messages originated by the remote peer. Everything
// above this layer (internal/admin, internal/dispatch, internal/
// communicator) talks to a Channel, never to a net.Conn directly.
package ipc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/orpcrt/orpc/internal/wire"
)

// State is a Channel's lifecycle stage (spec §4.10):
// Closed → Opening → Open → Closing → Closed.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ErrChannelClosed is returned by Invoke/Announce once the channel has
// moved to StateClosing or StateClosed, and wraps every in-flight request
// failed by a close.
var ErrChannelClosed = errors.New("ipc: channel closed")

// ErrInvokeTimeout is returned by Invoke when ctx's deadline elapses before
// a response arrives.
var ErrInvokeTimeout = errors.New("ipc: invoke timeout")

// Handler processes an inbound message the remote peer originated (one
// this side did not request a response for) and returns the payload to
// send back. For announces with no interesting reply, an empty payload is
// acceptable; returning a non-nil error instead results in nothing being
// written back (the peer's own Invoke/Announce timeout fires).
type Handler interface {
	// HandleAnnounce receives the Channel the Announce arrived on
	// alongside the message, so a handler can track per-channel state
	// (e.g. which channel pinned a given instance) without a side
	// channel back to the transport.
	HandleAnnounce(ctx context.Context, channel Channel, msg wire.AnnounceMessage) (wire.SetupMessage, error)
	HandleInvoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error)
}

// StateChangeFunc observes Channel lifecycle transitions.
type StateChangeFunc func(from, to State)

// Channel is a framed, bidirectional stream with request/response
// correlation (spec §4.3). The one implementation in this package is
// NetChannel (net.Conn, any reliable ordered byte stream); there is no
// Windows named-pipe implementation.
type Channel interface {
	// Open transitions Closed→Opening→Open, starting the channel's
	// reader goroutine. Open is idempotent after success.
	Open(ctx context.Context) error

	// Invoke sends req as an Invoke message and blocks for the matching
	// response, timeout, or channel close (spec §4.3's Invoke contract).
	Invoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error)

	// Announce sends msg as an Announce message. For AQUIRE, REQUEST and
	// OFFER it blocks for the Setup response; for REVOKE it is
	// fire-and-forget and returns immediately once the write succeeds.
	Announce(ctx context.Context, msg wire.AnnounceMessage) (wire.SetupMessage, error)

	// State reports the current lifecycle stage.
	State() State

	// OnStateChange registers an observer invoked (not necessarily
	// synchronously) on every lifecycle transition. Safe to call before
	// or after Open.
	OnStateChange(fn StateChangeFunc)

	// Close transitions to Closing then Closed, stopping goroutines and
	// failing every in-flight Invoke/Announce with ErrChannelClosed.
	// Close is idempotent.
	Close() error
}

// pendingRequest is a single outstanding Invoke or request/response
// Announce awaiting its matching frame.
type pendingRequest struct {
	label wire.Label
	resp  chan []byte
	errc  chan error
}

// stateMachine is embedded by Channel implementations to centralise the
// lifecycle bookkeeping (state, observers, pending table, ordinal
// allocator) shared by every transport.
type stateMachine struct {
	mu         sync.Mutex
	state      State
	observers  []StateChangeFunc
	pending    map[uint32]*pendingRequest
	nextOrdinal uint32
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		state:   StateClosed,
		pending: make(map[uint32]*pendingRequest),
	}
}

func (sm *stateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *stateMachine) OnStateChange(fn StateChangeFunc) {
	sm.mu.Lock()
	sm.observers = append(sm.observers, fn)
	sm.mu.Unlock()
}

func (sm *stateMachine) setState(to State) {
	sm.mu.Lock()
	from := sm.state
	sm.state = to
	observers := append([]StateChangeFunc(nil), sm.observers...)
	sm.mu.Unlock()
	if from == to {
		return
	}
	for _, fn := range observers {
		fn(from, to)
	}
}

func (sm *stateMachine) allocOrdinal() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextOrdinal++
	return sm.nextOrdinal
}

func (sm *stateMachine) register(ordinal uint32, label wire.Label) *pendingRequest {
	pr := &pendingRequest{label: label, resp: make(chan []byte, 1), errc: make(chan error, 1)}
	sm.mu.Lock()
	sm.pending[ordinal] = pr
	sm.mu.Unlock()
	return pr
}

func (sm *stateMachine) complete(ordinal uint32, payload []byte) bool {
	sm.mu.Lock()
	pr, ok := sm.pending[ordinal]
	if ok {
		delete(sm.pending, ordinal)
	}
	sm.mu.Unlock()
	if !ok {
		return false
	}
	pr.resp <- payload
	return true
}

func (sm *stateMachine) failAll(err error) {
	sm.mu.Lock()
	pending := sm.pending
	sm.pending = make(map[uint32]*pendingRequest)
	sm.mu.Unlock()
	for _, pr := range pending {
		pr.errc <- err
	}
}

func (sm *stateMachine) forget(ordinal uint32) {
	sm.mu.Lock()
	delete(sm.pending, ordinal)
	sm.mu.Unlock()
}
