package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// execLauncher runs the simulation as a child process for relaunch resets.
type execLauncher struct {
	argv []string
	log  *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

func newExecLauncher(argv []string, log *zap.Logger) *execLauncher {
	return &execLauncher{argv: argv, log: log}
}

// settle is how long a fresh process must stay up to count as launched.
const settle = 200 * time.Millisecond

func (l *execLauncher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.argv) == 0 {
		return errors.New("launch: empty command")
	}
	if l.cmd != nil {
		return fmt.Errorf("launch: %s already running (pid %d)", l.argv[0], l.cmd.Process.Pid)
	}
	cmd := exec.Command(l.argv[0], l.argv[1:]...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", l.argv[0], err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	l.log.Info("simulation started", zap.Strings("argv", l.argv), zap.Int("pid", cmd.Process.Pid))

	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case err := <-done:
		return fmt.Errorf("launch %s: exited early: %v", l.argv[0], err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	case <-t.C:
	}
	l.cmd, l.done = cmd, done
	return nil
}

// Stop interrupts the process and kills it if it is still running when ctx
// is done.
func (l *execLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil {
		return nil
	}
	cmd, done := l.cmd, l.done
	l.cmd, l.done = nil, nil
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
	}
	l.log.Info("simulation stopped", zap.Int("pid", cmd.Process.Pid))
	return nil
}
