// Command portside is the host CLI for portsided. "up" runs a supervised
// backend session in the foreground; the remaining commands discover a
// running backend and talk to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portside/portside/internal/buildinfo"
)

const usageText = `portside supervises and talks to the portsided backend.

Usage:
  portside --version
  portside [--config PATH] up
  portside [--config PATH] [--json] [--timeout DURATION] status
  portside [--config PATH] [--json] [--timeout DURATION] connect
  portside [--config PATH] [--json] [--timeout DURATION] fib <n>
  portside [--config PATH] [--timeout DURATION] stream

Commands:
  up       Spawn the backend and supervise it until interrupted. The session
           accepts "status", "restart", and "stop" on stdin.
  status   Discover the backend and print its endpoint.
  connect  Call the backend's connectivity check.
  fib <n>  Ask the backend for the nth fibonacci number.
  stream   Print the backend's demo stream as it arrives.

Global Flags:
  --config PATH   Path to config file
  --json          Output json
  --timeout       Request deadline (e.g. 30s, 2m); defaults to the
                  configured discovery timeout
`

type globalOptions struct {
	configPath  string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

var errHelp = errors.New("help requested")

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, args, opts); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	fs := flag.NewFlagSet("portside", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output json")
	fs.DurationVar(&opts.timeout, "timeout", 0, "request deadline")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, opts globalOptions) error {
	switch args[0] {
	case "up":
		return runUp(ctx, opts)
	case "status":
		return runStatus(ctx, opts)
	case "connect":
		return runConnect(ctx, opts)
	case "fib":
		return runFib(ctx, args[1:], opts)
	case "stream":
		return runStream(ctx, opts)
	case "version":
		fmt.Println(buildinfo.String())
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func isHelpToken(arg string) bool {
	switch arg {
	case "help", "-h", "--help":
		return true
	}
	return false
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}
