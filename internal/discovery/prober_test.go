package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","mode":"sidecar"}`))
	}))
	defer ts.Close()

	p := &Prober{Timeout: time.Second}
	require.NoError(t, p.Probe(context.Background(), ts.URL+"/health"))
}

func TestProbeRejectsUnhealthyPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	defer ts.Close()

	p := &Prober{Timeout: time.Second}
	require.Error(t, p.Probe(context.Background(), ts.URL))
}

func TestProbeRejectsNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	p := &Prober{Timeout: time.Second}
	require.Error(t, p.Probe(context.Background(), ts.URL))
}

func TestProbeTimesOutOnHungEndpoint(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		ts.Close()
	}()

	p := &Prober{Timeout: 50 * time.Millisecond}
	start := time.Now()
	err := p.Probe(context.Background(), ts.URL)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "probe must honor its own budget")
}
