package admin

import (
	"context"
	"testing"

	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

type fakeChannel struct {
	announces []wire.AnnounceMessage
}

func (f *fakeChannel) Announce(ctx context.Context, msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	f.announces = append(f.announces, msg)
	return wire.SetupMessage{InstanceID: msg.InstanceID}, nil
}

type fakeProxy struct {
	iface.IUnknown
	released bool
}

func TestProxyInstanceDedup(t *testing.T) {
	a := New()
	calls := 0
	a.RegisterInterface(iface.InterfaceID(0x100), func(ch AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		calls++
		return &fakeProxy{}, nil
	})

	ch := &fakeChannel{}
	p1, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), false, iface.InterfaceID(0x100), true)
	if err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}
	p2, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), false, iface.InterfaceID(0x100), true)
	if err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected the same proxy instance for the same triple")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one construction, got %d", calls)
	}
	if len(ch.announces) != 1 || ch.announces[0].Kind != wire.KindAquire {
		t.Fatalf("expected exactly one AQUIRE announce, got %+v", ch.announces)
	}
}

func TestProxyInstanceSkipsAnnounceWhenPeerInformed(t *testing.T) {
	a := New()
	a.RegisterInterface(iface.InterfaceID(0x100), func(ch AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})

	ch := &fakeChannel{}
	if _, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), true, iface.InterfaceID(0x100), true); err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}
	if len(ch.announces) != 0 {
		t.Fatalf("expected no announce when peerInformed is true, got %+v", ch.announces)
	}
}

func TestReleaseRevokesAtZero(t *testing.T) {
	a := New()
	a.RegisterInterface(iface.InterfaceID(0x100), func(ch AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})
	ch := &fakeChannel{}
	if _, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), false, iface.InterfaceID(0x100), true); err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}

	if err := a.Release(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := a.Lookup(ch, iface.InstanceID(1), iface.InterfaceID(0x100)); ok {
		t.Fatal("expected proxy to be removed after full release")
	}
	var revokes int
	for _, m := range ch.announces {
		if m.Kind == wire.KindRevoke {
			revokes++
		}
	}
	if revokes != 1 {
		t.Fatalf("expected exactly one REVOKE, got %d", revokes)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New()
	ch := &fakeChannel{}
	if err := a.Release(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), 1); err != nil {
		t.Fatalf("Release on absent proxy should be a no-op, got %v", err)
	}
}

func TestUnknownInterface(t *testing.T) {
	a := New()
	ch := &fakeChannel{}
	if _, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0xFFFF), false, iface.InterfaceID(0xFFFF), true); err == nil {
		t.Fatal("expected ErrUnknownInterface")
	}
}

type fakeStub struct{}

func (fakeStub) HandleInvoke(ctx context.Context, methodOrdinal uint8, args []byte) ([]byte, error) {
	return []byte{0x00, 0x00, 0x00, 0x2A}, nil
}

func TestInstantiateAndPin(t *testing.T) {
	a := New()
	a.RegisterImplementation("Calculator", func() (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})
	a.RegisterStub(iface.InterfaceID(0x100), func(impl iface.IUnknown) (Stub, error) {
		return fakeStub{}, nil
	})

	ch := &fakeChannel{}
	id, err := a.InstantiateAndPin(ch, "Calculator", iface.InterfaceID(0x100))
	if err != nil {
		t.Fatalf("InstantiateAndPin: %v", err)
	}
	if id == iface.EmptyInstance {
		t.Fatal("expected non-empty instance id")
	}

	stub, ok := a.Stub(id)
	if !ok {
		t.Fatal("expected stub to be registered")
	}
	result, err := stub.HandleInvoke(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("HandleInvoke: %v", err)
	}
	if len(result) != 4 || result[3] != 0x2A {
		t.Fatalf("unexpected result: %x", result)
	}

	a.ReleaseInstance(ch, id, 1)
	if _, ok := a.Stub(id); ok {
		t.Fatal("expected instance to be removed after full release")
	}
}

func TestDrainChannelReleasesPinnedInstance(t *testing.T) {
	a := New()
	a.RegisterImplementation("Calculator", func() (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})
	a.RegisterStub(iface.InterfaceID(0x100), func(impl iface.IUnknown) (Stub, error) {
		return fakeStub{}, nil
	})

	ch := &fakeChannel{}
	id, err := a.InstantiateAndPin(ch, "Calculator", iface.InterfaceID(0x100))
	if err != nil {
		t.Fatalf("InstantiateAndPin: %v", err)
	}

	a.DrainChannel(ch)

	if _, ok := a.Stub(id); ok {
		t.Fatal("expected implementation refcount to be released when its pinning channel drains")
	}
}

func TestDrainChannelLeavesOtherChannelsPinCount(t *testing.T) {
	a := New()
	a.RegisterImplementation("Calculator", func() (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})
	a.RegisterStub(iface.InterfaceID(0x100), func(impl iface.IUnknown) (Stub, error) {
		return fakeStub{}, nil
	})

	chA := &fakeChannel{}
	chB := &fakeChannel{}
	id, err := a.InstantiateAndPin(chA, "Calculator", iface.InterfaceID(0x100))
	if err != nil {
		t.Fatalf("InstantiateAndPin: %v", err)
	}

	a.DrainChannel(chB)

	if _, ok := a.Stub(id); !ok {
		t.Fatal("draining an unrelated channel must not release another channel's pin")
	}
}

func TestDrainChannelRemovesProxiesWithoutRevoke(t *testing.T) {
	a := New()
	a.RegisterInterface(iface.InterfaceID(0x100), func(ch AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error) {
		return &fakeProxy{}, nil
	})
	ch := &fakeChannel{}
	if _, err := a.ProxyInstance(context.Background(), ch, iface.InstanceID(1), iface.InterfaceID(0x100), false, iface.InterfaceID(0x100), true); err != nil {
		t.Fatalf("ProxyInstance: %v", err)
	}
	before := len(ch.announces)

	a.DrainChannel(ch)

	if _, ok := a.Lookup(ch, iface.InstanceID(1), iface.InterfaceID(0x100)); ok {
		t.Fatal("expected proxy to be drained")
	}
	if len(ch.announces) != before {
		t.Fatal("DrainChannel must not emit REVOKE announces")
	}
}
