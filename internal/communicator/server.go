package communicator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

// RouteMode selects how the server resolves an AQUIRE for a given class
// name (spec §4.6's three resolution paths).
type RouteMode int

const (
	RouteInProcess RouteMode = iota
	RouteChildProcess
	RouteDistributed
)

// ClassRoute configures how Server resolves AQUIREs for one class name.
type ClassRoute struct {
	Mode     RouteMode
	Callsign string // used for RouteChildProcess and RouteDistributed
	Port     int    // used for RouteDistributed
}

// ChildLauncher is the narrow slice of internal/supervisor.Supervisor the
// server needs for the out-of-process resolution path: start a
// supervised child and let it find its way back via
// COM_PARENT_EXCHANGE_ID. Declared here (rather than importing
// internal/supervisor's concrete type) purely to keep this package's
// dependency surface to what it actually calls.
type ChildLauncher interface {
	Launch(ctx context.Context, callsign string, exchangeID uint32) error
}

// DistributedResolver is the narrow slice of internal/remotehost.Linker
// the server needs for the distributed resolution path.
type DistributedResolver interface {
	LinkByCallsign(ctx context.Context, port int, interfaceID iface.InterfaceID, exchangeID uint32, callsign string) (iface.InstanceID, error)
}

// ErrInstantiationFailed is returned when a child fails to come up for an
// out-of-process AQUIRE (spec §4.11).
var ErrInstantiationFailed = errors.New("communicator: instantiation failed")

// ErrUnroutedClass is returned for an AQUIRE whose route cannot be
// followed: a RouteDistributed class with no linker configured, or an
// unknown RouteMode. A class with no registered route at all is resolved
// in-process instead.
var ErrUnroutedClass = errors.New("communicator: no route configured for class")

// Server owns the Administrator and the connection table, and implements
// ipc.Handler so every accepted channel can hand it inbound
// Announce/Invoke messages directly (spec §4.6).
type Server struct {
	registry *admin.Administrator
	launcher ChildLauncher
	linker   DistributedResolver
	log      logrus.FieldLogger

	routes map[string]ClassRoute

	conns *connectionTable

	pendingOffersMu sync.Mutex
	pendingOffers   map[uint32]chan wire.AnnounceMessage
	nextExchangeID  uint32

	ProxyStubPath   string
	TraceCategories string

	childOfferTimeout time.Duration
}

// NewServer constructs a Server. launcher and linker may be nil if the
// deployment never routes a class to RouteChildProcess /
// RouteDistributed respectively.
func NewServer(registry *admin.Administrator, launcher ChildLauncher, linker DistributedResolver, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		registry:          registry,
		launcher:          launcher,
		linker:            linker,
		log:               log,
		routes:            make(map[string]ClassRoute),
		conns:             newConnectionTable(),
		pendingOffers:     make(map[uint32]chan wire.AnnounceMessage),
		childOfferTimeout: 15 * time.Second,
	}
}

// RegisterRoute configures how className is resolved on AQUIRE.
func (s *Server) RegisterRoute(className string, route ClassRoute) {
	s.routes[className] = route
}

// Track registers a freshly opened channel in the connection table and
// wires its StateChange observer to drain the registry when the channel
// dies (spec §4.6 point 4, §4.11).
func (s *Server) Track(channel ipc.Channel, processID int, callsign string) *Connection {
	conn := s.conns.add(channel, processID, callsign)
	channel.OnStateChange(func(from, to ipc.State) {
		if to != ipc.StateClosed && to != ipc.StateClosing {
			return
		}
		conn.setState(ConnectionTerminating)
		s.registry.DrainChannel(channel)
		conn.setState(ConnectionDead)
		s.conns.remove(conn.ID)
	})
	return conn
}

// HandleAnnounce implements ipc.Handler.
func (s *Server) HandleAnnounce(ctx context.Context, channel ipc.Channel, msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	switch msg.Kind {
	case wire.KindAquire:
		return s.handleAquire(ctx, channel, msg)
	case wire.KindRequest:
		return s.handleRequest(msg)
	case wire.KindOffer:
		return s.handleOffer(msg)
	case wire.KindRevoke:
		s.registry.ReleaseInstance(channel, msg.InstanceID, 1)
		return wire.SetupMessage{}, nil
	default:
		return wire.SetupMessage{}, errors.Errorf("communicator: unrecognised announce kind %v", msg.Kind)
	}
}

func (s *Server) handleAquire(ctx context.Context, channel ipc.Channel, msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	route, ok := s.routes[msg.ClassName]
	if !ok {
		route = ClassRoute{Mode: RouteInProcess}
	}

	var instanceID iface.InstanceID
	var err error
	switch route.Mode {
	case RouteInProcess:
		instanceID, err = s.registry.InstantiateAndPin(channel, msg.ClassName, msg.InterfaceID)
	case RouteChildProcess:
		instanceID, err = s.resolveChildProcess(ctx, route)
	case RouteDistributed:
		if s.linker == nil {
			return wire.SetupMessage{}, errors.Wrap(ErrUnroutedClass, "distributed linker not configured")
		}
		instanceID, err = s.linker.LinkByCallsign(ctx, route.Port, msg.InterfaceID, s.allocExchangeID(), route.Callsign)
	default:
		err = errors.Wrapf(ErrUnroutedClass, "%q", msg.ClassName)
	}
	if err != nil {
		return wire.SetupMessage{}, err
	}
	return wire.SetupMessage{InstanceID: instanceID, ProxyStubPath: s.ProxyStubPath, TraceCategories: s.TraceCategories}, nil
}

func (s *Server) resolveChildProcess(ctx context.Context, route ClassRoute) (iface.InstanceID, error) {
	if s.launcher == nil {
		return iface.EmptyInstance, errors.Wrap(ErrInstantiationFailed, "no child launcher configured")
	}
	exchangeID := s.allocExchangeID()
	waiter := make(chan wire.AnnounceMessage, 1)

	s.pendingOffersMu.Lock()
	s.pendingOffers[exchangeID] = waiter
	s.pendingOffersMu.Unlock()
	defer func() {
		s.pendingOffersMu.Lock()
		delete(s.pendingOffers, exchangeID)
		s.pendingOffersMu.Unlock()
	}()

	if err := s.launcher.Launch(ctx, route.Callsign, exchangeID); err != nil {
		return iface.EmptyInstance, errors.Wrap(ErrInstantiationFailed, err.Error())
	}

	timeout := time.NewTimer(s.childOfferTimeout)
	defer timeout.Stop()
	select {
	case offer := <-waiter:
		return offer.InstanceID, nil
	case <-timeout.C:
		return iface.EmptyInstance, errors.Wrap(ErrInstantiationFailed, "timed out waiting for child OFFER")
	case <-ctx.Done():
		return iface.EmptyInstance, ctx.Err()
	}
}

func (s *Server) handleRequest(msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	if _, ok := s.registry.Stub(msg.InstanceID); !ok {
		return wire.SetupMessage{}, errors.Errorf("communicator: no stub pinned for instance %v", msg.InstanceID)
	}
	return wire.SetupMessage{InstanceID: msg.InstanceID, ProxyStubPath: s.ProxyStubPath, TraceCategories: s.TraceCategories}, nil
}

func (s *Server) handleOffer(msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	s.pendingOffersMu.Lock()
	waiter, ok := s.pendingOffers[msg.ID]
	s.pendingOffersMu.Unlock()
	if !ok {
		s.log.WithField("exchangeId", msg.ID).Warn("communicator: OFFER with no matching pending AQUIRE")
		return wire.SetupMessage{}, nil
	}
	waiter <- msg
	return wire.SetupMessage{}, nil
}

// HandleInvoke implements ipc.Handler.
func (s *Server) HandleInvoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error) {
	stub, ok := s.registry.Stub(req.InstanceID)
	if !ok {
		return wire.InvokeResponse{}, iface.NewError(iface.StatusIllegalState, "no stub pinned for instance")
	}
	result, err := stub.HandleInvoke(ctx, req.MethodOrdinal, req.Args)
	if err != nil {
		return wire.InvokeResponse{}, err
	}
	return wire.InvokeResponse{Result: result}, nil
}

func (s *Server) allocExchangeID() uint32 {
	return atomic.AddUint32(&s.nextExchangeID, 1)
}
