// orpc-childproc is the generic child-process entrypoint launched by
// internal/supervisor for classes routed via RouteChildProcess. It
// dials the parent's socket, instantiates the class named by its
// callsign, and OFFERs the resulting instance back to the parent under
// the exchange id it was launched with.
//
// Build: go build -o orpc-childproc ./cmd/orpc-childproc
package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/config"
	"github.com/orpcrt/orpc/internal/examples/calculator"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/supervisor"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	callsign := os.Getenv(supervisor.CallsignEnv)
	exchangeIDStr := os.Getenv(supervisor.ParentExchangeIDEnv)
	if callsign == "" || exchangeIDStr == "" {
		log.Fatalf("orpc-childproc: missing %s/%s environment", supervisor.CallsignEnv, supervisor.ParentExchangeIDEnv)
	}
	exchangeID64, err := strconv.ParseUint(exchangeIDStr, 10, 32)
	if err != nil {
		log.Fatalf("orpc-childproc: invalid %s=%q: %v", supervisor.ParentExchangeIDEnv, exchangeIDStr, err)
	}
	exchangeID := uint32(exchangeID64)

	cfg := config.DefaultConfig()

	registry := admin.New()
	calculator.Register(registry)

	server := communicator.NewServer(registry, nil, nil, log)

	conn, err := net.DialTimeout("unix", cfg.SocketPath, 5*time.Second)
	if err != nil {
		log.Fatalf("orpc-childproc: dial parent at %s: %v", cfg.SocketPath, err)
	}

	channel := ipc.NewNetChannel(conn, server, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := channel.Open(ctx); err != nil {
		cancel()
		log.Fatalf("orpc-childproc: open channel: %v", err)
	}
	cancel()

	instanceID, err := registry.InstantiateAndPin(channel, callsign, calculator.InterfaceID)
	if err != nil {
		log.Fatalf("orpc-childproc: instantiate %s: %v", callsign, err)
	}

	client := communicator.NewClient(channel, log)
	offerCtx, offerCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Offer(offerCtx, instanceID, calculator.InterfaceID, exchangeID); err != nil {
		offerCancel()
		log.Fatalf("orpc-childproc: offer instance: %v", err)
	}
	offerCancel()

	log.WithFields(logrus.Fields{"callsign": callsign, "exchangeId": exchangeID, "instanceId": instanceID}).
		Info("orpc-childproc: offered instance, serving invokes")

	// Block forever: the channel's own read loop keeps dispatching
	// inbound Invoke requests to server.HandleInvoke until the parent
	// closes the connection or this process is killed by the supervisor.
	select {}
}
