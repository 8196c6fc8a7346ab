package dispatch

import (
	"context"
	"testing"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

// loopChannel routes Invoke calls directly to a stub, bypassing a real
// ipc.Channel, enough to exercise ProxyBase/StubBase wiring in isolation.
type loopChannel struct {
	stub admin.Stub
}

func (l *loopChannel) Announce(ctx context.Context, msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	return wire.SetupMessage{}, nil
}

func (l *loopChannel) Invoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error) {
	result, err := l.stub.HandleInvoke(ctx, req.MethodOrdinal, req.Args)
	if err != nil {
		return wire.InvokeResponse{}, err
	}
	return wire.InvokeResponse{Result: result}, nil
}

const methodAnswer uint8 = 0

func answerMethod(ctx context.Context, args *wire.Frame, result *wire.Frame) error {
	result.WriteUint32(42)
	return nil
}

func TestProxyStubRoundTrip(t *testing.T) {
	stub := NewStubBase(nil, MethodTable{methodAnswer: answerMethod})
	channel := &loopChannel{stub: stub}
	registry := admin.New()

	proxy := NewProxyBase(channel, iface.InstanceID(1), iface.InterfaceID(0x100), registry)

	resultFrame, err := proxy.Call(context.Background(), methodAnswer, wire.NewFrame())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	got, err := resultFrame.ReadUint32()
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestStubUnknownMethod(t *testing.T) {
	stub := NewStubBase(nil, MethodTable{})
	if _, err := stub.HandleInvoke(context.Background(), 99, nil); err == nil {
		t.Fatal("expected error for unknown method ordinal")
	}
}

func TestIteratorRoundTrip(t *testing.T) {
	f := wire.NewFrame()
	w := BeginIterator(f, 3)
	w.WriteUint32(1)
	w.WriteUint32(2)
	w.WriteUint32(3)

	it, err := NewIterator(wire.NewFrameFromBytes(f.Bytes()))
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	var got []uint32
	for it.Next() {
		v, err := it.ReadUint32()
		if err != nil {
			t.Fatalf("ReadUint32: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected iterator contents: %v", got)
	}
}

func TestProxyReleaseRevokesThroughAdministrator(t *testing.T) {
	stub := NewStubBase(nil, MethodTable{})
	channel := &loopChannel{stub: stub}
	registry := admin.New()
	registry.RegisterInterface(iface.InterfaceID(0x100), func(ch admin.AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		return NewProxyBase(channel, instanceID, interfaceID, registry), nil
	})

	obj, err := registry.ProxyInstance(context.Background(), channel, iface.InstanceID(1), iface.InterfaceID(0x100), true, iface.InterfaceID(0x100), true)
	if err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}
	proxy := obj.(*ProxyBase)
	if n := proxy.Release(); n != 0 {
		t.Fatalf("expected refcount 0 after release, got %d", n)
	}
	if _, ok := registry.Lookup(channel, iface.InstanceID(1), iface.InterfaceID(0x100)); ok {
		t.Fatal("expected proxy to be removed from the Administrator after release")
	}
}
