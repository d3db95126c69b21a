// Package sidecar supervises the backend subprocess: spawn, output-line
// fan-out, graceful shutdown, and restart with a settle delay. Lifecycle
// transitions are serialized per controller; a transition requested while
// another is in flight is rejected with ErrTransitionConflict, never
// queued silently.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/portside/portside/internal/backend"
	"github.com/portside/portside/internal/models"
)

var (
	// ErrTransitionConflict is returned when a start/stop/restart request
	// arrives while another transition is in flight.
	ErrTransitionConflict = errors.New("sidecar: transition already in flight")
	// ErrInvalidTransition is returned for requests the state machine does
	// not allow, such as starting an already-running sidecar.
	ErrInvalidTransition = errors.New("sidecar: invalid transition")
)

const (
	defaultSettleDelay   = 500 * time.Millisecond
	defaultShutdownGrace = 500 * time.Millisecond
)

// Controller manages one backend subprocess.
type Controller struct {
	launcher Launcher
	settle   time.Duration
	grace    time.Duration
	logger   *log.Logger

	// OnTransition, when set, observes every state change. Set before the
	// first transition; not synchronized afterwards.
	OnTransition func(from, to models.SidecarState)
	// OnRestart, when set, runs at the moment a restart is requested,
	// before the old process is stopped. The application uses it to reset
	// the descriptor so the new discovery round starts from a clean slate.
	OnRestart func(ctx context.Context)

	mu      sync.Mutex
	state   models.SidecarState
	busy    bool
	proc    Process
	subs    map[int]func(string)
	nextSub int
}

// New creates a controller in the NotStarted state.
func New(launcher Launcher, settle, grace time.Duration, logger *log.Logger) *Controller {
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		launcher: launcher,
		settle:   settle,
		grace:    grace,
		logger:   logger,
		state:    models.SidecarNotStarted,
		subs:     map[int]func(string){},
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() models.SidecarState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeLines registers a callback for every forwarded output line and
// returns an unsubscribe handle. Subscriptions survive restarts: lines
// from a newly spawned process flow to existing subscribers.
func (c *Controller) SubscribeLines(fn func(line string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Start spawns the backend and begins forwarding its output. It returns
// once the spawn request is acknowledged; reachability is signaled later
// through discovery.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()
	return c.start(ctx)
}

// Stop gracefully terminates the backend: the shutdown command on stdin, a
// bounded grace period, then kill. Stopping an already-stopped sidecar is
// a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()
	return c.stop(ctx)
}

// Restart stops the backend, waits the settle delay, and starts it again,
// all under a single transition so no other request can interleave.
func (c *Controller) Restart(ctx context.Context) error {
	if err := c.beginTransition(); err != nil {
		return err
	}
	defer c.endTransition()

	if c.OnRestart != nil {
		c.OnRestart(ctx)
	}
	if err := c.stop(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settle):
	}
	return c.start(ctx)
}

// MarkRunning records that discovery confirmed the backend reachable.
// Ignored unless the sidecar is in the Starting state.
func (c *Controller) MarkRunning() {
	c.mu.Lock()
	if c.state != models.SidecarStarting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(models.SidecarRunning)
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case models.SidecarNotStarted, models.SidecarStopped, models.SidecarFailed:
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, state)
	}

	c.setState(models.SidecarStarting)
	proc, err := c.launcher.Launch(ctx)
	if err != nil {
		c.setState(models.SidecarFailed)
		return fmt.Errorf("spawn backend: %w", err)
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	go c.forwardLines(proc)
	go c.watch(proc)
	c.logger.Printf("sidecar: spawned backend, forwarding output")
	return nil
}

func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	proc := c.proc
	c.mu.Unlock()

	switch state {
	case models.SidecarNotStarted, models.SidecarStopped, models.SidecarFailed:
		return nil
	}
	if proc == nil {
		c.setState(models.SidecarStopped)
		return nil
	}

	c.setState(models.SidecarStopping)
	if _, err := io.WriteString(proc.Stdin(), backend.ShutdownCommand+"\n"); err != nil {
		c.logger.Printf("sidecar: shutdown command write failed, killing: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(c.grace):
		c.logger.Printf("sidecar: grace period elapsed, killing process")
		if err := proc.Kill(); err != nil {
			c.logger.Printf("sidecar: kill failed (may already be dead): %v", err)
		}
		<-proc.Done()
	case <-ctx.Done():
		_ = proc.Kill()
		<-proc.Done()
	}

	c.mu.Lock()
	c.proc = nil
	c.mu.Unlock()
	c.setState(models.SidecarStopped)
	return nil
}

// forwardLines fans every output line out to subscribers until the process
// pipes close.
func (c *Controller) forwardLines(proc Process) {
	for line := range proc.Lines() {
		c.logger.Printf("sidecar: %s", line)
		c.mu.Lock()
		subs := make([]func(string), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(line)
		}
	}
}

// watch detects unexpected exits. An exit during Stopping is handled by
// stop(); anything else is a crash.
func (c *Controller) watch(proc Process) {
	<-proc.Done()
	c.mu.Lock()
	if c.proc != proc {
		c.mu.Unlock()
		return
	}
	state := c.state
	if state == models.SidecarStopping {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	c.mu.Unlock()

	if err := proc.Err(); err != nil {
		c.logger.Printf("sidecar: backend exited unexpectedly: %v", err)
	} else {
		c.logger.Printf("sidecar: backend exited unexpectedly")
	}
	c.setState(models.SidecarFailed)
}

func (c *Controller) beginTransition() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrTransitionConflict
	}
	c.busy = true
	return nil
}

func (c *Controller) endTransition() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) setState(to models.SidecarState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Printf("sidecar: %s -> %s", from, to)
	if c.OnTransition != nil {
		c.OnTransition(from, to)
	}
}
