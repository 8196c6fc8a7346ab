package communicator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/dispatch"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

type calculatorImpl struct{}

func (calculatorImpl) AddRef() uint32  { return 1 }
func (calculatorImpl) Release() uint32 { return 0 }
func (calculatorImpl) QueryInterface(id iface.InterfaceID) (iface.IUnknown, error) {
	return nil, iface.NewError(iface.StatusGeneral, "not supported")
}

func answer(ctx context.Context, args *wire.Frame, result *wire.Frame) error {
	result.WriteUint32(42)
	return nil
}

const calculatorInterfaceID = iface.InterfaceID(0x100)

func newInProcessPair(t *testing.T) (*Client, *admin.Administrator) {
	t.Helper()
	registry := admin.New()
	registry.RegisterImplementation("Calculator", func() (iface.IUnknown, error) {
		return calculatorImpl{}, nil
	})
	registry.RegisterStub(calculatorInterfaceID, func(impl iface.IUnknown) (admin.Stub, error) {
		return dispatch.NewStubBase(impl, dispatch.MethodTable{0: answer}), nil
	})

	server := NewServer(registry, nil, nil, nil)
	clientConn, serverConn := net.Pipe()

	serverChannel := ipc.NewNetChannel(serverConn, server, nil)
	if err := serverChannel.Open(context.Background()); err != nil {
		t.Fatalf("serverChannel.Open: %v", err)
	}
	server.Track(serverChannel, 0, "test-server")

	clientChannel := ipc.NewNetChannel(clientConn, nil, nil)
	client := NewClient(clientChannel, nil)

	t.Cleanup(func() {
		clientChannel.Close()
		serverChannel.Close()
	})
	return client, registry
}

func TestInProcessAcquireAndInvoke(t *testing.T) {
	client, _ := newInProcessPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	setup, err := client.Acquire(ctx, "Calculator", calculatorInterfaceID, iface.Version(1))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if setup.InstanceID == iface.EmptyInstance {
		t.Fatal("expected a non-empty instance id")
	}

	resp, err := client.Channel.Invoke(ctx, wire.InvokeRequest{
		InstanceID:    setup.InstanceID,
		InterfaceID:   calculatorInterfaceID,
		MethodOrdinal: 0,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := []byte{0x2A, 0x00, 0x00, 0x00} // uint32 42, little-endian
	if len(resp.Result) != len(want) {
		t.Fatalf("unexpected response length: %x", resp.Result)
	}
	for i := range want {
		if resp.Result[i] != want[i] {
			t.Fatalf("unexpected response: got %x want %x", resp.Result, want)
		}
	}
}

func TestAquireUnroutedClassFails(t *testing.T) {
	client, _ := newInProcessPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Acquire(ctx, "DoesNotExist", calculatorInterfaceID, iface.Version(1)); err == nil {
		t.Fatal("expected acquire of an unregistered class to fail")
	}
}

func TestRevokeReleasesInstance(t *testing.T) {
	client, registry := newInProcessPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	setup, err := client.Acquire(ctx, "Calculator", calculatorInterfaceID, iface.Version(1))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := client.Revoke(ctx, setup.InstanceID, calculatorInterfaceID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// REVOKE is fire-and-forget; give the server goroutine a moment to
	// process it before checking the registry drained the instance.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Stub(setup.InstanceID); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected instance to be released after REVOKE")
}
