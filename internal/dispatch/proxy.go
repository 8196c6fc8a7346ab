// Package dispatch implements the Proxy/Stub plumbing described in spec
// §4.5: the caller-side ProxyBase that turns a method call into an
// Invoke frame on a channel, and the callee-side StubBase that turns an
// inbound Invoke frame back into a method call by ordinal. Generated
// per-interface code embeds ProxyBase/StubBase and supplies only the
// method table and argument marshalling specific to that interface.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

// Invoker is the slice of internal/ipc.Channel a Proxy needs: Invoke to
// place method calls, and admin.AnnounceSender (embedded) so the
// Administrator can emit AQUIRE/REVOKE on the same channel.
type Invoker interface {
	admin.AnnounceSender
	Invoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error)
}

// ErrCallFailed wraps failures surfaced from a remote method call that
// don't already carry an iface.Status.
var ErrCallFailed = errors.New("dispatch: call failed")

// ProxyBase is embedded by every generated proxy type. It owns the
// (channel, instanceId, interfaceId) triple the spec requires never be
// duplicated, the local refcount, and the Invoke plumbing; generated code
// adds one method per interface method that marshals arguments into a
// wire.Frame, calls Call, and unmarshals the result.
type ProxyBase struct {
	Channel     Invoker
	InstanceID  iface.InstanceID
	InterfaceID iface.InterfaceID

	registry *admin.Administrator
	refCount int32
	log      logrus.FieldLogger
}

// NewProxyBase constructs a ProxyBase with an initial refcount of 1,
// matching the Administrator having just accounted for this proxy's
// existence (spec §4.4's ProxyInstance contract).
func NewProxyBase(channel Invoker, instanceID iface.InstanceID, interfaceID iface.InterfaceID, registry *admin.Administrator) *ProxyBase {
	return &ProxyBase{
		Channel:     channel,
		InstanceID:  instanceID,
		InterfaceID: interfaceID,
		registry:    registry,
		refCount:    1,
		log:         logrus.WithField("interfaceId", interfaceID),
	}
}

// AddRef implements iface.IUnknown.
func (p *ProxyBase) AddRef() uint32 {
	return uint32(atomic.AddInt32(&p.refCount, 1))
}

// Release implements iface.IUnknown. On reaching zero it asks the
// Administrator to drain the proxy table entry and emit REVOKE.
func (p *ProxyBase) Release() uint32 {
	n := atomic.AddInt32(&p.refCount, -1)
	if n <= 0 {
		if err := p.registry.Release(context.Background(), p.Channel, p.InstanceID, p.InterfaceID, 1); err != nil {
			p.log.WithError(err).Warn("dispatch: revoke announce failed")
		}
		return 0
	}
	return uint32(n)
}

// QueryInterface answers locally, without contacting the remote peer: the
// base implementation only recognises its own InterfaceID and returns an
// error for any other id. Generated proxies that front multi-interface
// objects override this to try each supported id in turn.
func (p *ProxyBase) QueryInterface(id iface.InterfaceID) (iface.IUnknown, error) {
	if id == p.InterfaceID {
		p.AddRef()
		return p, nil
	}
	return nil, errors.Errorf("dispatch: interface 0x%08X not supported by this proxy", uint32(id))
}

// Call marshals a method invocation: methodOrdinal identifies the method,
// args carries its already-encoded parameters, and the returned frame
// wraps the raw result bytes ready for the caller's decode step.
func (p *ProxyBase) Call(ctx context.Context, methodOrdinal uint8, args *wire.Frame) (*wire.Frame, error) {
	resp, err := p.Channel.Invoke(ctx, wire.InvokeRequest{
		InstanceID:    p.InstanceID,
		InterfaceID:   p.InterfaceID,
		MethodOrdinal: methodOrdinal,
		Args:          args.Bytes(),
	})
	if err != nil {
		return nil, errors.Wrap(ErrCallFailed, err.Error())
	}
	return wire.NewFrameFromBytes(resp.Result), nil
}
