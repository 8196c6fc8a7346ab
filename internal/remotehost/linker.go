// Package remotehost implements the remote host linker (spec §4.9): a
// variant of the communicator client used when a caller wants an object
// to run on another host rather than in a local child process. It opens
// a second communicator client to the remote node, invokes
// LinkByCallsign so the remote installs and publishes the object, and
// tears the link down asynchronously on Unlink so the caller's thread is
// never blocked waiting for a remote round trip it doesn't need the
// result of.
package remotehost

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/containers/gvisor-tap-vsock/pkg/transport"

	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

// linkerInterfaceID and linkByCallsignMethod identify the bootstrap
// object every remote node exposes for cross-host linking: a well-known
// interface with a single LinkByCallsign method, resolved the same way
// any other AQUIRE is.
const (
	linkerClassName      = "RemoteLinker"
	linkerInterfaceID    = iface.InterfaceID(0x1)
	linkByCallsignMethod = uint8(0)
)

// Dialer abstracts how a Linker reaches a remote node: a plain TCP dial
// for host-to-host links, or a vsock transport for links that cross a VM
// boundary (spec §1's "host" scope includes separate VMs, not just
// separate machines).
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer is the default Dialer.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// VsockDialer reaches a remote node across a VM boundary via
// gvisor-tap-vsock's userspace vsock transport, used when the two ends
// don't share a network namespace a plain TCP dial could reach.
type VsockDialer struct{}

func (VsockDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return transport.Dial(address)
}

// remoteHandle is the installed proxy plus the teardown state Unlink
// needs: the channel it rides and the exchange id the remote node
// tracks it under.
type remoteHandle struct {
	channel    ipc.Channel
	client     *communicator.Client
	instanceID iface.InstanceID
	exchangeID uint32
}

// Linker is the caller-facing handle: it owns the Dialer, the live
// remoteHandle table, and the worker that runs Unlink teardowns off the
// caller's goroutine.
type Linker struct {
	dialer Dialer
	log    logrus.FieldLogger

	mu      sync.Mutex
	links   map[uint32]*remoteHandle
	wg      sync.WaitGroup
}

// NewLinker constructs a Linker. dialer defaults to TCPDialer when nil.
func NewLinker(dialer Dialer, log logrus.FieldLogger) *Linker {
	if dialer == nil {
		dialer = TCPDialer{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{dialer: dialer, log: log, links: make(map[uint32]*remoteHandle)}
}

// LinkByCallsign dials the node at host:port, acquires its RemoteLinker
// bootstrap object, and invokes LinkByCallsign so the remote side
// instantiates and publishes interfaceID under callsign. The returned
// InstanceID is local only in the sense that it is meaningful on the
// channel this Linker opened — callers still need a proxy constructed
// against that channel to use it. Implements
// internal/communicator.DistributedResolver.
func (l *Linker) LinkByCallsign(ctx context.Context, port int, interfaceID iface.InterfaceID, exchangeID uint32, callsign string) (iface.InstanceID, error) {
	address := callsignAddress(callsign, port)
	conn, err := l.dialer.Dial(ctx, address)
	if err != nil {
		return iface.EmptyInstance, errors.Wrapf(err, "remotehost: dial %s", address)
	}

	channel := ipc.NewNetChannel(conn, nil, l.log)
	client := communicator.NewClient(channel, l.log)

	setup, err := client.Acquire(ctx, linkerClassName, linkerInterfaceID, iface.Version(1))
	if err != nil {
		channel.Close()
		return iface.EmptyInstance, errors.Wrap(err, "remotehost: acquire bootstrap linker")
	}

	args := wire.NewFrame()
	args.WriteUint32(uint32(port))
	args.WriteUint32(uint32(interfaceID))
	args.WriteUint32(exchangeID)
	args.WriteString(callsign)

	resp, err := channel.Invoke(ctx, wire.InvokeRequest{
		InstanceID:    setup.InstanceID,
		InterfaceID:   linkerInterfaceID,
		MethodOrdinal: linkByCallsignMethod,
		Args:          args.Bytes(),
	})
	if err != nil {
		channel.Close()
		return iface.EmptyInstance, errors.Wrap(err, "remotehost: LinkByCallsign invoke")
	}
	result := wire.NewFrameFromBytes(resp.Result)
	remoteInstanceID, err := result.ReadInstanceID()
	if err != nil {
		channel.Close()
		return iface.EmptyInstance, errors.Wrap(err, "remotehost: decode LinkByCallsign result")
	}

	l.mu.Lock()
	l.links[exchangeID] = &remoteHandle{channel: channel, client: client, instanceID: remoteInstanceID, exchangeID: exchangeID}
	l.mu.Unlock()

	return remoteInstanceID, nil
}

// Unlink tears down the link for exchangeID asynchronously, on a worker,
// so the caller never blocks on a remote REVOKE round trip it has no use
// for the result of (spec §4.9). The caller is expected to have already
// dropped its own references before calling Unlink.
func (l *Linker) Unlink(exchangeID uint32) {
	l.mu.Lock()
	handle, ok := l.links[exchangeID]
	if ok {
		delete(l.links, exchangeID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := handle.client.Revoke(context.Background(), handle.instanceID, linkerInterfaceID); err != nil {
			l.log.WithError(err).WithField("exchangeId", exchangeID).Warn("remotehost: revoke on unlink failed")
		}
		if err := handle.channel.Close(); err != nil {
			l.log.WithError(err).WithField("exchangeId", exchangeID).Warn("remotehost: close on unlink failed")
		}
	}()
}

// Wait blocks until every in-flight Unlink teardown has completed. Used
// by process shutdown paths that want a clean exit rather than leaking
// the teardown goroutines.
func (l *Linker) Wait() {
	l.wg.Wait()
}

// callsignAddress resolves a callsign to a dial address. Deployments
// where callsign already names a resolvable host substitute it directly;
// this default assumes callsign is itself a hostname.
func callsignAddress(callsign string, port int) string {
	return net.JoinHostPort(callsign, strconv.Itoa(port))
}
