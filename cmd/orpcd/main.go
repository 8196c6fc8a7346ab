// orpcd is the ORPC communicator daemon — the process that owns the
// Administrator, accepts incoming channels on a unix socket, and
// resolves AQUIRE announces in-process, by launching a child, or by
// linking to a remote node.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/orpcrt/orpc/internal/admin"
	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/config"
	"github.com/orpcrt/orpc/internal/diagnostics"
	"github.com/orpcrt/orpc/internal/examples/calculator"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/remotehost"
	"github.com/orpcrt/orpc/internal/supervisor"
	"github.com/orpcrt/orpc/internal/version"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	platform := config.DetectPlatform()
	log.Infof("orpcd starting on %s/%s (%s)", platform.OS, platform.Arch, version.ProtocolSummary())

	journal, err := diagnostics.Open(cfg.JournalPath, log)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	log.Infof("journal: %s", cfg.JournalPath)

	registry := admin.New()
	calculator.Register(registry)

	sup := supervisor.New(cfg.ChildBinary, cfg.ChildLogDir, log)
	linker := remotehost.NewLinker(nil, log)

	server := communicator.NewServer(registry, sup, linker, log)
	server.ProxyStubPath = cfg.LibraryDir
	server.RegisterRoute(calculator.ClassName, communicator.ClassRoute{Mode: communicator.RouteInProcess})

	os.Remove(cfg.SocketPath)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	log.Infof("orpcd listening on %s", cfg.SocketPath)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.WithError(err).Warn("orpcd: accept failed")
				}
				return
			}
			go acceptChannel(server, journal, conn, log)
		}
	}()

	pidPath := cfg.DataDir + "/orpcd.pid"
	os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Infof("orpcd ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	ln.Close()
	os.Remove(cfg.SocketPath)
	log.Info("orpcd stopped")
}

func acceptChannel(server *communicator.Server, journal *diagnostics.Journal, conn net.Conn, log logrus.FieldLogger) {
	channel := ipc.NewNetChannel(conn, server, log)
	if err := channel.Open(context.Background()); err != nil {
		log.WithError(err).Warn("orpcd: open inbound channel failed")
		return
	}
	c := server.Track(channel, 0, "")
	journal.RecordAsync(c.ID, diagnostics.EventConnectionOpened, "")
}

