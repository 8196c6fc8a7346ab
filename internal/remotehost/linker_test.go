package remotehost

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/dispatch"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

// pipeDialer hands back one end of a net.Pipe regardless of the address
// requested, standing in for a real network dial in tests.
type pipeDialer struct {
	conn net.Conn
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return d.conn, nil
}

type remoteLinkerImpl struct{}

func (remoteLinkerImpl) AddRef() uint32  { return 1 }
func (remoteLinkerImpl) Release() uint32 { return 0 }
func (remoteLinkerImpl) QueryInterface(id iface.InterfaceID) (iface.IUnknown, error) {
	return nil, iface.NewError(iface.StatusGeneral, "not supported")
}

func handleLinkByCallsign(ctx context.Context, args *wire.Frame, result *wire.Frame) error {
	if _, err := args.ReadUint32(); err != nil { // port
		return err
	}
	if _, err := args.ReadUint32(); err != nil { // interfaceId
		return err
	}
	if _, err := args.ReadUint32(); err != nil { // exchangeId
		return err
	}
	if _, err := args.ReadString(); err != nil { // callsign
		return err
	}
	result.WriteInstanceID(iface.InstanceID(99))
	return nil
}

func startFakeRemoteNode(t *testing.T) net.Conn {
	t.Helper()
	registry := admin.New()
	registry.RegisterImplementation(linkerClassName, func() (iface.IUnknown, error) {
		return remoteLinkerImpl{}, nil
	})
	registry.RegisterStub(linkerInterfaceID, func(impl iface.IUnknown) (admin.Stub, error) {
		return dispatch.NewStubBase(impl, dispatch.MethodTable{linkByCallsignMethod: handleLinkByCallsign}), nil
	})
	server := communicator.NewServer(registry, nil, nil, nil)

	clientConn, serverConn := net.Pipe()
	serverChannel := ipc.NewNetChannel(serverConn, server, nil)
	if err := serverChannel.Open(context.Background()); err != nil {
		t.Fatalf("serverChannel.Open: %v", err)
	}
	server.Track(serverChannel, 0, "remote-node")
	t.Cleanup(func() { serverChannel.Close() })
	return clientConn
}

func TestLinkByCallsign(t *testing.T) {
	clientConn := startFakeRemoteNode(t)
	linker := NewLinker(&pipeDialer{conn: clientConn}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	instanceID, err := linker.LinkByCallsign(ctx, 9000, iface.InterfaceID(0x200), 42, "worker-host")
	if err != nil {
		t.Fatalf("LinkByCallsign: %v", err)
	}
	if instanceID != iface.InstanceID(99) {
		t.Fatalf("unexpected instance id: %v", instanceID)
	}

	linker.mu.Lock()
	_, tracked := linker.links[42]
	linker.mu.Unlock()
	if !tracked {
		t.Fatal("expected link to be tracked under its exchange id")
	}

	linker.Unlink(42)
	linker.Wait()

	linker.mu.Lock()
	_, stillTracked := linker.links[42]
	linker.mu.Unlock()
	if stillTracked {
		t.Fatal("expected link to be removed after Unlink")
	}
}
