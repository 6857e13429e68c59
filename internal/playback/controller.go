// Package playback owns the node's single audio output process and its
// hardware mixer.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/skroman/musicmesh/internal/library"
)

// Process is a running player
type Process interface {
	// Wait blocks until the process exits
	Wait() error
	// Kill terminates the process; killing an exited process is not an error
	Kill() error
}

// Launcher starts a player on a file
type Launcher interface {
	Launch(path string) (Process, error)
}

// Resolver finds library items by name
type Resolver interface {
	Find(name string) (library.Item, error)
	Path(item library.Item) string
}

// Status is a snapshot of the controller state
type Status struct {
	Playing     bool   `json:"playing"`
	CurrentSong string `json:"currentSong"`
	Category    string `json:"category"`
}

type session struct {
	item library.Item
	proc Process
	done chan struct{}
}

// Controller is a two-state machine: idle, or playing exactly one item.
// Starting while playing replaces the current item.
type Controller struct {
	lib         Resolver
	launcher    Launcher
	stopTimeout time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	current *session
}

// NewController creates an idle controller
func NewController(lib Resolver, launcher Launcher, stopTimeout time.Duration) *Controller {
	return &Controller{
		lib:         lib,
		launcher:    launcher,
		stopTimeout: stopTimeout,
		log:         slog.With("component", "playback"),
	}
}

// Start plays the first item named name. Any current playback is stopped
// first, so at most one player process exists at a time.
func (c *Controller) Start(ctx context.Context, name string) (library.Item, error) {
	item, err := c.lib.Find(name)
	if err != nil {
		return library.Item{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The wait for the old player is bounded by stopTimeout alone; a
	// cancelled request must not let two players overlap.
	c.stopLocked()

	proc, err := c.launcher.Launch(c.lib.Path(item))
	if err != nil {
		return library.Item{}, fmt.Errorf("failed to start player for %s: %w", item.Key(), err)
	}

	s := &session{item: item, proc: proc, done: make(chan struct{})}
	c.current = s
	go c.watch(s)

	c.log.Info("Playing", "item", item.Key())
	return item, nil
}

// Stop ends playback. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

// Status returns the current state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Status{}
	}
	return Status{
		Playing:     true,
		CurrentSong: c.current.item.Name,
		Category:    c.current.item.Category,
	}
}

// stopLocked kills the current process and waits for it to exit, up to
// stopTimeout. Must be called with mu held.
func (c *Controller) stopLocked() {
	s := c.current
	if s == nil {
		return
	}
	c.current = nil

	if err := s.proc.Kill(); err != nil {
		c.log.Warn("Failed to kill player", "item", s.item.Key(), "error", err)
	}

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		c.log.Info("Stopped", "item", s.item.Key())
	case <-timer.C:
		c.log.Warn("Player did not exit in time, continuing", "item", s.item.Key(), "timeout", c.stopTimeout)
	}
}

// watch clears the state when the process exits on its own
func (c *Controller) watch(s *session) {
	err := s.proc.Wait()
	close(s.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s {
		// Replaced or stopped already
		return
	}
	c.current = nil
	if err != nil {
		c.log.Warn("Player exited with error", "item", s.item.Key(), "error", err)
	} else {
		c.log.Info("Finished", "item", s.item.Key())
	}
}

// ExecLauncher runs an external player command with the file path as its
// last argument.
type ExecLauncher struct {
	Command string
	Args    []string
}

// Launch starts the player
func (l ExecLauncher) Launch(path string) (Process, error) {
	args := append(append([]string(nil), l.Args...), path)
	cmd := exec.Command(l.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
