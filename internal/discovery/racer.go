package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portside/portside/internal/models"
)

// Strategy labels used in logs and metrics.
const (
	StrategyAnnouncement = "announcement"
	StrategyProbe        = "probe"
	StrategyCache        = "cache"
)

// probeStagger spaces out active probes so lower ports get a head start.
// Tie-break is best-effort only: a slow low port still loses to a fast
// high one.
const probeStagger = 25 * time.Millisecond

const defaultRoundTimeout = 10 * time.Second

// ErrDiscoveryTimeout indicates no strategy produced a verified descriptor
// before the round deadline. Callers decide whether to retry.
var ErrDiscoveryTimeout = errors.New("discovery: no backend found before deadline")

// LineSource delivers backend output lines to announcement listening.
// Subscribe returns an unsubscribe handle.
type LineSource interface {
	SubscribeLines(fn func(line string)) (unsubscribe func())
}

// CacheSource supplies the persisted descriptor for revalidation and lets
// the racer purge a stale entry.
type CacheSource interface {
	Load(ctx context.Context) (models.Descriptor, error)
	Purge(ctx context.Context) error
}

// Metrics receives discovery observations. Implementations must tolerate
// being called from multiple goroutines.
type Metrics interface {
	ObserveRound(result string, duration time.Duration)
	IncStrategyWin(strategy string)
}

// Racer runs the three discovery strategies concurrently against a shared
// one-shot gate. Concurrent Discover calls join the in-flight round.
type Racer struct {
	Host      string
	PortStart int
	PortEnd   int
	Timeout   time.Duration
	Prober    *Prober
	Lines     LineSource
	Cache     CacheSource
	Logger    *log.Logger
	Metrics   Metrics

	mu       sync.Mutex
	inflight *round
}

type round struct {
	id   string
	done chan struct{}
	desc models.Descriptor
	err  error
}

type strategyResult struct {
	strategy string
	desc     models.Descriptor
}

// Discover returns the first verified descriptor, joining an in-flight
// round if one exists. The round is bounded by the racer's timeout; the
// caller's context only bounds how long this caller waits for the shared
// result.
func (r *Racer) Discover(ctx context.Context) (models.Descriptor, error) {
	r.mu.Lock()
	rd := r.inflight
	if rd == nil {
		rd = &round{id: uuid.New().String(), done: make(chan struct{})}
		r.inflight = rd
		go r.run(rd)
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
		return rd.desc, rd.err
	case <-ctx.Done():
		return models.Descriptor{}, ctx.Err()
	}
}

func (r *Racer) run(rd *round) {
	start := time.Now()
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultRoundTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	winner := make(chan strategyResult, 1)
	report := func(strategy string, desc models.Descriptor) {
		select {
		case winner <- strategyResult{strategy: strategy, desc: desc}:
			// Gate closed: cancel the losing strategies' in-flight work.
			cancel()
		default:
		}
	}

	var wg sync.WaitGroup
	if r.Lines != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runAnnouncement(ctx, rd, report)
		}()
	}
	if r.Cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runCacheRevalidation(ctx, rd, report)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runActiveProbe(ctx, rd, report)
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var won *strategyResult
	select {
	case res := <-winner:
		won = &res
	case <-allDone:
		select {
		case res := <-winner:
			won = &res
		default:
		}
	case <-ctx.Done():
		select {
		case res := <-winner:
			won = &res
		default:
		}
	}

	if won != nil {
		rd.desc = won.desc
		r.logf("discovery: round %s won by %s strategy (port %d, %s)", rd.id, won.strategy, won.desc.Port, time.Since(start).Round(time.Millisecond))
		r.observeRound("success", time.Since(start))
		r.incStrategyWin(won.strategy)
	} else {
		rd.err = fmt.Errorf("%w (round %s, budget %s)", ErrDiscoveryTimeout, rd.id, timeout)
		r.logf("discovery: round %s failed: %v", rd.id, rd.err)
		r.observeRound("timeout", time.Since(start))
	}

	r.mu.Lock()
	r.inflight = nil
	r.mu.Unlock()
	close(rd.done)
}

// runAnnouncement waits for a forwarded output line carrying a well-formed
// port announcement. Malformed payloads are logged and skipped.
func (r *Racer) runAnnouncement(ctx context.Context, rd *round, report func(string, models.Descriptor)) {
	lineCh := make(chan string, 64)
	unsubscribe := r.Lines.SubscribeLines(func(line string) {
		select {
		case lineCh <- line:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lineCh:
			a, ok, err := ParseAnnouncementLine(line)
			if err != nil {
				r.logf("discovery: round %s: skipping announcement line: %v", rd.id, err)
				continue
			}
			if !ok {
				continue
			}
			report(StrategyAnnouncement, models.Descriptor{Host: r.Host, Port: a.Port, Available: true})
			return
		}
	}
}

// runActiveProbe health-checks every port in the preferred range. Probes
// launch in ascending order with a small stagger so the lowest answering
// port tends to win.
func (r *Racer) runActiveProbe(ctx context.Context, rd *round, report func(string, models.Descriptor)) {
	var wg sync.WaitGroup
	for port := r.PortStart; port <= r.PortEnd; port++ {
		if port > r.PortStart {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(probeStagger):
			}
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			desc := models.Descriptor{Host: r.Host, Port: port, Available: true}
			if err := r.Prober.Probe(ctx, desc.HealthURL()); err != nil {
				return
			}
			report(StrategyProbe, desc)
		}(port)
	}
	wg.Wait()
}

// runCacheRevalidation re-probes the persisted descriptor. A cache entry
// that no longer answers healthy is purged so the next round goes straight
// to active probing.
func (r *Racer) runCacheRevalidation(ctx context.Context, rd *round, report func(string, models.Descriptor)) {
	cached, err := r.Cache.Load(ctx)
	if err != nil {
		return
	}
	if err := r.Prober.Probe(ctx, cached.HealthURL()); err != nil {
		if ctx.Err() == nil {
			r.logf("discovery: round %s: purging stale cached descriptor %s: %v", rd.id, cached.BaseURL(), err)
			if purgeErr := r.Cache.Purge(context.WithoutCancel(ctx)); purgeErr != nil {
				r.logf("discovery: round %s: purge failed: %v", rd.id, purgeErr)
			}
		}
		return
	}
	cached.Available = true
	report(StrategyCache, cached)
}

func (r *Racer) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Racer) observeRound(result string, d time.Duration) {
	if r.Metrics != nil {
		r.Metrics.ObserveRound(result, d)
	}
}

func (r *Racer) incStrategyWin(strategy string) {
	if r.Metrics != nil {
		r.Metrics.IncStrategyWin(strategy)
	}
}
