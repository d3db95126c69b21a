package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside/portside/internal/backend"
	"github.com/portside/portside/internal/config"
	"github.com/portside/portside/internal/discovery"
)

// Spins up a real backend route table on a dynamic port and drives the
// full host path against it: discovery, store update, cache persistence,
// and client calls.
func TestEndToEndDiscoverThenCall(t *testing.T) {
	srv := backend.NewServer(backend.Options{
		StreamCount:    3,
		StreamInterval: 5 * time.Millisecond,
		Logger:         log.New(io.Discard, "", 0),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.db")
	cfg.PortRangeStart = port
	cfg.PortRangeEnd = port
	cfg.DiscoveryTimeoutSeconds = 5

	a, err := New(cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := a.Store().Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, port, d.Port)
	assert.True(t, d.Available)

	payload, err := a.Client().Get(ctx, "/v1/connect")
	require.NoError(t, err)
	var connect struct {
		Success bool   `json:"success"`
		Host    string `json:"host"`
	}
	require.NoError(t, json.Unmarshal(payload, &connect))
	assert.True(t, connect.Success)

	payload, err = a.Client().Post(ctx, "/v1/fibonacci", map[string]int{"number": 10})
	require.NoError(t, err)
	var fib struct {
		Result uint64 `json:"result"`
	}
	require.NoError(t, json.Unmarshal(payload, &fib))
	assert.Equal(t, uint64(55), fib.Result)

	var counts []int
	err = a.Client().Stream(ctx, "/v1/stream", func(line json.RawMessage) error {
		var item struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(line, &item); err != nil {
			return err
		}
		counts = append(counts, item.Count)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, counts)

	// The winning descriptor was persisted; a fresh app over the same
	// cache path can revalidate it without an announcement source.
	b, err := New(cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer b.Close()
	d2, err := b.Store().Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.Port, d2.Port)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// occupyRange binds listeners on consecutive ports starting at a dynamic
// base and returns (base, firstFreePort). Skips when the machine cannot
// offer a contiguous block.
func occupyRange(t *testing.T, occupied int) (int, int) {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := probe.Addr().(*net.TCPAddr).Port
		_ = probe.Close()

		listeners := make([]net.Listener, 0, occupied)
		ok := true
		for i := 0; i < occupied; i++ {
			ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(base+i))
			if err != nil {
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}
		if free, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(base+occupied)); err == nil {
			_ = free.Close()
		} else {
			ok = false
		}
		if ok {
			for _, ln := range listeners {
				ln := ln
				t.Cleanup(func() { _ = ln.Close() })
			}
			return base, base + occupied
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}
	t.Skip("no contiguous free port block available")
	return 0, 0
}

// The full occupied-range scenario: the first ports of the preferred range
// are taken, the backend binds the next one and announces it, and the host
// side settles on the same port through active probing.
func TestEndToEndOccupiedRange(t *testing.T) {
	base, free := occupyRange(t, 3)

	srv := backend.NewServer(backend.Options{
		PortRangeStart: base,
		PortRangeEnd:   base + 5,
		Logger:         log.New(io.Discard, "", 0),
	})
	out := &lockedBuffer{}
	runCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(runCtx, out) }()

	cfg := config.DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.db")
	cfg.PortRangeStart = base
	cfg.PortRangeEnd = base + 5
	cfg.DiscoveryTimeoutSeconds = 5

	a, err := New(cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := a.Store().Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, free, d.Port, "discovery must settle on the first free port")

	// The announcement the backend printed names the same port.
	lines := strings.Split(out.String(), "\n")
	require.NotEmpty(t, lines)
	ann, ok, err := discovery.ParseAnnouncementLine(lines[0])
	require.NoError(t, err)
	require.True(t, ok, "first output line must carry the announcement")
	assert.Equal(t, free, ann.Port)

	payload, err := a.Client().Get(ctx, "/v1/connect")
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"success":true`)

	stopServer()
	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
