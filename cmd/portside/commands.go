package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/portside/portside/internal/app"
	"github.com/portside/portside/internal/config"
)

type connectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Host    string `json:"host"`
}

type fibonacciResponse struct {
	Success         bool   `json:"success"`
	Input           int    `json:"input"`
	Result          uint64 `json:"result"`
	CalculationTime string `json:"calculation_time"`
}

type streamItem struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// loadApp builds the application root for one command invocation. The
// caller must Close the returned app.
func loadApp(opts globalOptions) (*app.App, config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, cfg, err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, cfg, err
	}
	return a, cfg, nil
}

// requestDeadline picks the explicit --timeout, else the configured
// discovery timeout.
func requestDeadline(cfg config.Config, opts globalOptions) time.Duration {
	if opts.timeout > 0 {
		return opts.timeout
	}
	return cfg.DiscoveryTimeout()
}

func runStatus(ctx context.Context, opts globalOptions) error {
	a, cfg, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, requestDeadline(cfg, opts))
	defer cancel()
	d, err := a.Store().Refresh(ctx)
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	if opts.jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(d)
	}
	fmt.Printf("backend reachable at %s\n", d.BaseURL())
	return nil
}

func runConnect(ctx context.Context, opts globalOptions) error {
	a, cfg, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, requestDeadline(cfg, opts))
	defer cancel()
	payload, err := a.Client().Get(ctx, "/v1/connect")
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp connectResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode connect response: %w", err)
	}
	fmt.Printf("%s (%s)\n", resp.Message, resp.Host)
	return nil
}

func runFib(ctx context.Context, args []string, opts globalOptions) error {
	n, err := parseFibArg(args)
	if err != nil {
		return err
	}
	a, cfg, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, requestDeadline(cfg, opts))
	defer cancel()
	payload, err := a.Client().Post(ctx, "/v1/fibonacci", map[string]int{"number": n})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp fibonacciResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode fibonacci response: %w", err)
	}
	fmt.Printf("fib(%d) = %d (computed in %s)\n", resp.Input, resp.Result, resp.CalculationTime)
	return nil
}

func parseFibArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("fib takes exactly one argument: the input number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("fib argument %q is not an integer", args[0])
	}
	if n < 0 {
		return 0, fmt.Errorf("fib argument must be non-negative")
	}
	return n, nil
}

// runStream prints the demo stream as it arrives. On a terminal each
// item's message is printed; otherwise raw NDJSON passes through for
// piping.
func runStream(ctx context.Context, opts globalOptions) error {
	a, _, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	human := !opts.jsonOutput && isatty.IsTerminal(os.Stdout.Fd())
	return a.Client().Stream(ctx, "/v1/stream", func(line json.RawMessage) error {
		if !human {
			fmt.Println(string(line))
			return nil
		}
		var item streamItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil
		}
		fmt.Println(item.Message)
		return nil
	})
}

func prettyPrintJSON(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		_, writeErr := w.Write(payload)
		return writeErr
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
