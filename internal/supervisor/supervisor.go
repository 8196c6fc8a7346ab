// Package supervisor implements the child process supervisor (spec
// §4.8): launching a child with the exchange id it needs to route its
// OFFER announce back to the parent, and an escalated shutdown sequence
// that tries progressively harsher ways to stop it before giving up.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ParentExchangeIDEnv is the environment variable a launched child reads
// to learn which exchange id to carry on its OFFER announce (spec §4.8).
const ParentExchangeIDEnv = "COM_PARENT_EXCHANGE_ID"

// CallsignEnv carries the human-readable tag a child reports in
// diagnostics and in its own logging.
const CallsignEnv = "ORPC_CALLSIGN"

// ContainerCloser is implemented by deployments that run children inside
// containers; Shutdown uses it for the extra "stop the container"
// escalation step the spec adds for containerised children.
type ContainerCloser interface {
	StopContainer(ctx context.Context) error
}

// ChildProcess is a single supervised child.
type ChildProcess struct {
	Callsign   string
	ExchangeID uint32
	Container  ContainerCloser

	cmd      *exec.Cmd
	logFile  *os.File
	exited   chan struct{}
	stopOnce sync.Once
}

// ErrChildDidNotExit is returned by Shutdown when every escalation step
// ran out without the child exiting. The original implementation treats
// reaching this point as a programming error (ASSERT(false) in
// Communicator.cpp's ClosingInfo::AttemptClose) since there is always a
// final hard-kill step; here it is surfaced as an error instead of a
// panic so one stuck child cannot bring down the whole supervisor.
var ErrChildDidNotExit = errors.New("supervisor: child did not exit after escalated shutdown")

// Supervisor launches and tracks child processes, keyed by the exchange
// id each was launched with.
type Supervisor struct {
	ChildBinary string
	LogDir      string
	Log         logrus.FieldLogger

	mu       sync.Mutex
	children map[uint32]*ChildProcess
}

// New constructs a Supervisor that launches childBinary, writing each
// child's combined stdout/stderr under logDir.
func New(childBinary, logDir string, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		ChildBinary: childBinary,
		LogDir:      logDir,
		Log:         log,
		children:    make(map[uint32]*ChildProcess),
	}
}

// Launch starts a child with COM_PARENT_EXCHANGE_ID=exchangeID and
// ORPC_CALLSIGN=callsign set, and begins monitoring it. It returns once
// the process has started; the caller (internal/communicator.Server)
// separately waits for the child's OFFER announce to arrive on the
// listening endpoint.
func (s *Supervisor) Launch(ctx context.Context, callsign string, exchangeID uint32) error {
	logPath := filepath.Join(s.LogDir, fmt.Sprintf("%s-%d.log", callsign, exchangeID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "supervisor: open child log file")
	}

	cmd := exec.CommandContext(ctx, s.ChildBinary)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", ParentExchangeIDEnv, exchangeID),
		fmt.Sprintf("%s=%s", CallsignEnv, callsign),
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return errors.Wrap(err, "supervisor: start child")
	}

	child := &ChildProcess{
		Callsign:   callsign,
		ExchangeID: exchangeID,
		cmd:        cmd,
		logFile:    logFile,
		exited:     make(chan struct{}),
	}
	s.mu.Lock()
	s.children[exchangeID] = child
	s.mu.Unlock()

	s.Log.WithFields(logrus.Fields{"callsign": callsign, "exchangeId": exchangeID, "pid": cmd.Process.Pid}).Info("supervisor: child started")
	go s.monitor(child)
	return nil
}

func (s *Supervisor) monitor(child *ChildProcess) {
	defer child.logFile.Close()
	err := child.cmd.Wait()
	close(child.exited)
	s.mu.Lock()
	delete(s.children, child.ExchangeID)
	s.mu.Unlock()
	if err != nil {
		s.Log.WithFields(logrus.Fields{"callsign": child.Callsign, "exchangeId": child.ExchangeID}).WithError(err).Warn("supervisor: child exited with error")
	}
}

// Shutdown runs the escalated close sequence for exchangeID (spec §4.8):
// iteration 0 sends a graceful signal and waits 10s, iteration 1 sends
// SIGKILL and waits 4s, and — only when child.Container is set — a
// further iteration asks the container runtime to stop and waits 5s.
// Each step is a no-op if the process already exited.
func (s *Supervisor) Shutdown(exchangeID uint32) error {
	s.mu.Lock()
	child, ok := s.children[exchangeID]
	s.mu.Unlock()
	if !ok {
		return nil // already gone
	}

	var result error
	child.stopOnce.Do(func() {
		result = s.escalate(child)
	})
	return result
}

type shutdownStep struct {
	timeout time.Duration
	action  func(*ChildProcess) error
}

func (s *Supervisor) escalate(child *ChildProcess) error {
	if child.cmd.Process == nil {
		return nil
	}

	steps := []shutdownStep{
		{timeout: 10 * time.Second, action: gracefulKill},
		{timeout: 4 * time.Second, action: hardKill},
	}
	if child.Container != nil {
		steps = append(steps, shutdownStep{timeout: 5 * time.Second, action: func(c *ChildProcess) error {
			return c.Container.StopContainer(context.Background())
		}})
	}

	for i, step := range steps {
		select {
		case <-child.exited:
			return nil
		default:
		}
		if err := step.action(child); err != nil {
			s.Log.WithFields(logrus.Fields{"callsign": child.Callsign, "iteration": i}).WithError(err).Warn("supervisor: shutdown step failed")
		}
		select {
		case <-child.exited:
			return nil
		case <-time.After(step.timeout):
		}
	}
	return errors.Wrapf(ErrChildDidNotExit, "callsign=%s exchangeId=%d", child.Callsign, child.ExchangeID)
}

func gracefulKill(c *ChildProcess) error {
	return c.cmd.Process.Signal(os.Interrupt)
}

func hardKill(c *ChildProcess) error {
	return c.cmd.Process.Kill()
}
