package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/portside/portside/internal/models"
	"github.com/portside/portside/internal/store"
)

const sessionStopTimeout = 5 * time.Second

// sessionApp is the slice of the application root the interactive session
// drives. *app.App satisfies it; tests substitute a fake.
type sessionApp interface {
	Store() *store.Store
	SidecarState() models.SidecarState
	RestartSidecar(ctx context.Context) (string, error)
	ShutdownSidecar(ctx context.Context) (string, error)
	WaitReachable(ctx context.Context) (models.Descriptor, error)
}

type sessionConfig interface {
	DiscoveryTimeout() time.Duration
}

// runUp spawns the backend and supervises it until the session ends. The
// session reads commands from stdin ("status", "restart", "stop") and
// shuts the backend down gracefully on interrupt.
func runUp(ctx context.Context, opts globalOptions) error {
	a, cfg, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	msg, err := a.StartSidecar(ctx)
	if err != nil {
		return err
	}
	fmt.Println(msg)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout())
	d, err := a.WaitReachable(waitCtx)
	cancel()
	if err != nil {
		stopSidecar(a)
		return err
	}
	fmt.Printf("backend ready at %s\n", d.BaseURL())
	fmt.Println(`commands: "status", "restart", "stop"`)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	go func() {
		if err := a.ServeMetrics(metricsCtx); err != nil {
			fmt.Fprintf(os.Stderr, "metrics listener failed: %v\n", err)
		}
	}()

	commands := make(chan string)
	go func() {
		defer close(commands)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			commands <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			stopSidecar(a)
			return nil
		case cmd, ok := <-commands:
			if !ok {
				// stdin closed; keep supervising until interrupted.
				<-ctx.Done()
				stopSidecar(a)
				return nil
			}
			done, err := handleSessionCommand(ctx, a, cfg, cmd)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			if done {
				return nil
			}
		}
	}
}

func handleSessionCommand(ctx context.Context, a sessionApp, cfg sessionConfig, cmd string) (done bool, err error) {
	switch cmd {
	case "":
		return false, nil
	case "status":
		d := a.Store().Current()
		if d.Available {
			fmt.Printf("sidecar %s, backend reachable at %s\n", a.SidecarState(), d.BaseURL())
		} else {
			fmt.Printf("sidecar %s, backend not reachable\n", a.SidecarState())
		}
		return false, nil
	case "restart":
		msg, err := a.RestartSidecar(ctx)
		if err != nil {
			return false, err
		}
		fmt.Println(msg)
		waitCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout())
		defer cancel()
		d, err := a.WaitReachable(waitCtx)
		if err != nil {
			return false, err
		}
		fmt.Printf("backend ready at %s\n", d.BaseURL())
		return false, nil
	case "stop":
		stopSidecar(a)
		return true, nil
	default:
		return false, fmt.Errorf("unknown session command %q", cmd)
	}
}

func stopSidecar(a sessionApp) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionStopTimeout)
	defer cancel()
	if msg, err := a.ShutdownSidecar(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", err)
	} else {
		fmt.Println(msg)
	}
}
