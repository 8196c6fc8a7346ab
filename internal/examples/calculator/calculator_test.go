package calculator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

func TestAcquireAndAnswer(t *testing.T) {
	registry := admin.New()
	Register(registry)

	server := communicator.NewServer(registry, nil, nil, nil)
	clientConn, serverConn := net.Pipe()

	serverChannel := ipc.NewNetChannel(serverConn, server, nil)
	if err := serverChannel.Open(context.Background()); err != nil {
		t.Fatalf("serverChannel.Open: %v", err)
	}
	server.Track(serverChannel, 0, "calculator-test")

	clientChannel := ipc.NewNetChannel(clientConn, nil, nil)
	client := communicator.NewClient(clientChannel, nil)
	t.Cleanup(func() {
		clientChannel.Close()
		serverChannel.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	setup, err := client.Acquire(ctx, ClassName, InterfaceID, Version)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	resp, err := client.Channel.Invoke(ctx, wire.InvokeRequest{
		InstanceID:    setup.InstanceID,
		InterfaceID:   InterfaceID,
		MethodOrdinal: methodAnswer,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(resp.Result) != 4 || resp.Result[0] != 0x2A || resp.Result[1] != 0 || resp.Result[2] != 0 || resp.Result[3] != 0 {
		t.Fatalf("expected result bytes 2A000000 (uint32 42, little-endian), got % x", resp.Result)
	}
}

func TestDirectAnswer(t *testing.T) {
	raw, err := NewImplementation()
	if err != nil {
		t.Fatalf("NewImplementation: %v", err)
	}
	calc, ok := raw.(*impl)
	if !ok {
		t.Fatal("expected *impl")
	}
	got, err := calc.Answer(context.Background())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
