package discovery

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside/portside/internal/cache"
	"github.com/portside/portside/internal/models"
)

// fakeLines is an in-memory LineSource.
type fakeLines struct {
	mu         sync.Mutex
	subs       map[int]func(string)
	nextID     int
	subscribes int
}

func (f *fakeLines) SubscribeLines(fn func(string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[int]func(string){}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.subscribes++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeLines) Publish(line string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(line)
	}
}

// healthyServer serves the health payload on an OS-assigned loopback port
// and returns that port.
func healthyServer(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","mode":"sidecar"}`))
	}))
	t.Cleanup(ts.Close)
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAnnouncementStrategyWins(t *testing.T) {
	lines := &fakeLines{}
	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: 1, // nothing to probe here
		PortEnd:   1,
		Timeout:   2 * time.Second,
		Prober:    &Prober{Timeout: 100 * time.Millisecond},
		Lines:     lines,
		Logger:    quietLogger(),
	}

	go func() {
		// Let the round subscribe first, then feed noise and the real line.
		time.Sleep(50 * time.Millisecond)
		lines.Publish("[sidecar] Waiting for commands...")
		lines.Publish(`[sidecar] PORT_INFO: {oops`)
		lines.Publish(`[sidecar] PORT_INFO: {"type":"port_info","mode":"sidecar","port":8011,"url":"http://127.0.0.1:8011","docs_url":"http://127.0.0.1:8011/docs","health_url":"http://127.0.0.1:8011/health"}`)
	}()

	desc, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8011, desc.Port)
	assert.True(t, desc.Available)
}

func TestActiveProbeFindsHealthyPort(t *testing.T) {
	port := healthyServer(t)
	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: port,
		PortEnd:   port,
		Timeout:   2 * time.Second,
		Prober:    &Prober{Timeout: time.Second},
		Logger:    quietLogger(),
	}

	desc, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, desc.Port)
	assert.True(t, desc.Available)
}

func TestCacheRevalidationWinsWhenOnlyViable(t *testing.T) {
	port := healthyServer(t)

	store, err := cache.Open(t.TempDir() + "/portside.db")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), models.Descriptor{Host: "127.0.0.1", Port: port, Available: true}))

	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: 1, // active probing has nothing to find
		PortEnd:   1,
		Timeout:   2 * time.Second,
		Prober:    &Prober{Timeout: 200 * time.Millisecond},
		Cache:     store,
		Logger:    quietLogger(),
	}

	desc, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, desc.Port)
}

func TestStaleCacheIsPurged(t *testing.T) {
	// A dead port for the cache, a live one for probing.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := dead.Addr().(*net.TCPAddr).Port
	require.NoError(t, dead.Close())

	livePort := healthyServer(t)

	store, err := cache.Open(t.TempDir() + "/portside.db")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), models.Descriptor{Host: "127.0.0.1", Port: deadPort, Available: true}))

	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: livePort,
		PortEnd:   livePort,
		Timeout:   3 * time.Second,
		Prober:    &Prober{Timeout: 200 * time.Millisecond},
		Cache:     store,
		Logger:    quietLogger(),
	}

	desc, err := r.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, livePort, desc.Port)

	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background())
		return err == cache.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond, "stale cache entry must be purged")
}

func TestDiscoveryTimeout(t *testing.T) {
	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: 1,
		PortEnd:   1,
		Timeout:   300 * time.Millisecond,
		Prober:    &Prober{Timeout: 100 * time.Millisecond},
		Logger:    quietLogger(),
	}

	_, err := r.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryTimeout)
}

func TestConcurrentDiscoverSharesOneRound(t *testing.T) {
	lines := &fakeLines{}
	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: 1,
		PortEnd:   1,
		Timeout:   2 * time.Second,
		Prober:    &Prober{Timeout: 100 * time.Millisecond},
		Lines:     lines,
		Logger:    quietLogger(),
	}

	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := r.Discover(context.Background())
			results <- err
		}()
	}

	time.Sleep(100 * time.Millisecond)
	lines.Publish(`[sidecar] PORT_INFO: {"type":"port_info","mode":"sidecar","port":8012,"url":"http://127.0.0.1:8012","docs_url":"http://127.0.0.1:8012/docs","health_url":"http://127.0.0.1:8012/health"}`)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-results)
	}

	lines.mu.Lock()
	subscribes := lines.subscribes
	lines.mu.Unlock()
	assert.Equal(t, 1, subscribes, "concurrent callers must share one in-flight round")
}

func TestDiscoverCallerContextCancellation(t *testing.T) {
	r := &Racer{
		Host:      "127.0.0.1",
		PortStart: 1,
		PortEnd:   1,
		Timeout:   5 * time.Second,
		Prober:    &Prober{Timeout: 4 * time.Second},
		Logger:    quietLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Discover(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
