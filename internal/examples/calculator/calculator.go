// Package calculator is a worked example of the code a generator would
// emit for a single interface: a proxy for callers, a stub for
// implementers, and a trivial implementation. It exists to give the
// InterfaceID/MethodTable/ProxyBase pattern described by
// internal/admin, internal/dispatch, and internal/wire one concrete,
// end-to-end home, and it is exactly the scenario described by this
// runtime's smoke test — interface id=0x100, v=1, method 0 takes no
// arguments and returns uint32(42).
package calculator

import (
	"context"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/dispatch"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

// ClassName is the implementation name a client AQUIREs.
const ClassName = "Calculator"

// InterfaceID identifies the Calculator interface on the wire.
const InterfaceID = iface.InterfaceID(0x100)

// Version is the interface version this package implements.
const Version = iface.Version(1)

const methodAnswer uint8 = 0

// Calculator is the interface callers program against, independent of
// whether the implementation lives in-process, in a child process, or
// on a remote node.
type Calculator interface {
	iface.IUnknown
	// Answer returns the implementation's answer with no arguments.
	Answer(ctx context.Context) (uint32, error)
}

// impl is the trivial in-process implementation registered under
// ClassName.
type impl struct {
	refCount uint32
}

// NewImplementation constructs the reference Calculator implementation,
// registered with an Administrator via Register.
func NewImplementation() (iface.IUnknown, error) {
	return &impl{refCount: 1}, nil
}

func (i *impl) AddRef() uint32 { i.refCount++; return i.refCount }

func (i *impl) Release() uint32 {
	if i.refCount > 0 {
		i.refCount--
	}
	return i.refCount
}

func (i *impl) QueryInterface(id iface.InterfaceID) (iface.IUnknown, error) {
	if id == InterfaceID {
		return i, nil
	}
	return nil, iface.NewError(iface.StatusGeneral, "calculator: interface not supported")
}

func (i *impl) Answer(_ context.Context) (uint32, error) {
	return 42, nil
}

func answerMethod(ctx context.Context, _ *wire.Frame, result *wire.Frame) error {
	result.WriteUint32(42)
	return nil
}

// NewStub wraps impl in the MethodTable a Communicator Server dispatches
// Invoke requests through.
func NewStub(target iface.IUnknown) (admin.Stub, error) {
	return dispatch.NewStubBase(target, dispatch.MethodTable{
		methodAnswer: answerMethod,
	}), nil
}

// Proxy is the caller-side handle to a remote Calculator instance.
type Proxy struct {
	*dispatch.ProxyBase
}

// NewProxy constructs a Proxy bound to an already-acquired instance.
func NewProxy(base *dispatch.ProxyBase) *Proxy {
	return &Proxy{ProxyBase: base}
}

// Answer invokes method 0 on the remote instance and decodes its
// uint32 result.
func (p *Proxy) Answer(ctx context.Context) (uint32, error) {
	result, err := p.Call(ctx, methodAnswer, wire.NewFrame())
	if err != nil {
		return 0, err
	}
	return result.ReadUint32()
}

// proxyConstructor returns an admin.ProxyConstructor bound to registry so
// Register can wire Calculator into an Administrator's proxy table for
// AQUIREs this process initiates itself (rather than serves). The proxies
// it builds release through that same registry.
func proxyConstructor(registry *admin.Administrator) admin.ProxyConstructor {
	return func(channel admin.AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		invoker, ok := channel.(dispatch.Invoker)
		if !ok {
			return nil, iface.NewError(iface.StatusGeneral, "calculator: channel does not support Invoke")
		}
		return NewProxy(dispatch.NewProxyBase(invoker, instanceID, interfaceID, registry)), nil
	}
}

// Register wires the Calculator implementation, stub, and proxy
// constructor into registry, so it can serve AQUIRE/Invoke traffic for
// ClassName and also construct proxies when this process is itself the
// caller.
func Register(registry *admin.Administrator) {
	registry.RegisterImplementation(ClassName, NewImplementation)
	registry.RegisterStub(InterfaceID, NewStub)
	registry.RegisterInterface(InterfaceID, proxyConstructor(registry))
}
