// orpcctl is the CLI for operating an orpcd daemon.
//
// Commands:
//
//	orpcctl status    Show whether orpcd is reachable
//	orpcctl doctor    Print platform and protocol compatibility info
//	orpcctl acquire   AQUIRE a class and invoke a method on it
//	orpcctl version   Print the build version
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/orpcrt/orpc/internal/communicator"
	"github.com/orpcrt/orpc/internal/config"
	"github.com/orpcrt/orpc/internal/examples/calculator"
	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/version"
	"github.com/orpcrt/orpc/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus()
	case "doctor":
		cmdDoctor()
	case "acquire":
		cmdAcquire(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("orpcctl %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: orpcctl <command> [options]

Commands:
  status                   Show whether orpcd is reachable
  doctor                   Print platform and protocol compatibility info
  acquire <className>      AQUIRE className and call its method 0
  version                  Print the build version

Examples:
  orpcctl status
  orpcctl doctor
  orpcctl acquire Calculator`)
}

func cmdStatus() {
	conn, err := dialDaemon()
	if err != nil {
		fmt.Println("orpcd: not running")
		return
	}
	conn.Close()
	fmt.Println("orpcd: running")
}

func cmdDoctor() {
	fmt.Println("ORPC Doctor")
	fmt.Println("===========")
	fmt.Println()

	platform := config.DetectPlatform()
	fmt.Printf("Version:         %s\n", version.Version())
	fmt.Printf("Platform:        %s/%s\n", platform.OS, platform.Arch)
	fmt.Printf("Instance width:  %d bytes\n", platform.InstanceWidth)
	fmt.Println()

	if _, err := dialDaemon(); err == nil {
		fmt.Println("orpcd:           running")
	} else {
		fmt.Println("orpcd:           not running")
	}
}

func cmdAcquire(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orpcctl acquire <className>")
		os.Exit(1)
	}
	className := args[0]

	conn, err := dialDaemon()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial orpcd: %v\n", err)
		os.Exit(1)
	}

	channel := ipc.NewNetChannel(conn, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channel.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "open channel: %v\n", err)
		os.Exit(1)
	}
	defer channel.Close()

	client := communicator.NewClient(channel, nil)
	setup, err := client.Acquire(ctx, className, calculator.InterfaceID, calculator.Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acquire %s: %v\n", className, err)
		os.Exit(1)
	}
	fmt.Printf("acquired instance %s\n", instanceIDString(setup.InstanceID))

	resp, err := channel.Invoke(ctx, wire.InvokeRequest{
		InstanceID:  setup.InstanceID,
		InterfaceID: calculator.InterfaceID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invoke: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("result: % x\n", resp.Result)
}

func dialDaemon() (net.Conn, error) {
	cfg := config.DefaultConfig()
	return net.DialTimeout("unix", cfg.SocketPath, 2*time.Second)
}

func instanceIDString(id iface.InstanceID) string {
	buf := make([]byte, iface.InstanceWidth)
	iface.PutInstanceID(buf, id)
	return hex.EncodeToString(buf)
}
