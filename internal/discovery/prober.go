package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultProbeTimeout = time.Second

// healthPayload is the exact shape probers match on.
type healthPayload struct {
	Status string `json:"status"`
}

// Prober issues bounded-timeout health checks so a hung endpoint cannot
// stall a discovery round past its own budget.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *Prober) timeout() time.Duration {
	if p == nil || p.Timeout <= 0 {
		return defaultProbeTimeout
	}
	return p.Timeout
}

func (p *Prober) client() *http.Client {
	if p == nil || p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

// Probe checks that healthURL answers with the healthy payload within the
// probe timeout.
func (p *Prober) Probe(ctx context.Context, healthURL string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("build probe %s: %w", healthURL, err)
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", healthURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", healthURL, resp.StatusCode)
	}
	var payload healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("probe %s: decode: %w", healthURL, err)
	}
	if payload.Status != "healthy" {
		return fmt.Errorf("probe %s: status %q is not healthy", healthURL, payload.Status)
	}
	return nil
}
