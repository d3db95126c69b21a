package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside/portside/internal/models"
)

// fakeEndpoints implements Endpoints with a scriptable refresh.
type fakeEndpoints struct {
	mu           sync.Mutex
	current      models.Descriptor
	refreshed    models.Descriptor
	refreshErr   error
	refreshCalls int
}

func (f *fakeEndpoints) Current() models.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeEndpoints) Refresh(context.Context) (models.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return models.Descriptor{}, f.refreshErr
	}
	f.current = f.refreshed
	return f.refreshed, nil
}

func descriptorFor(t *testing.T, ts *httptest.Server) models.Descriptor {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return models.Descriptor{Host: host, Port: port, Available: true}
}

func TestGetAgainstAvailableDescriptor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/connect", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	endpoints := &fakeEndpoints{current: descriptorFor(t, ts)}
	c := New(endpoints, time.Second)

	data, err := c.Get(context.Background(), "/v1/connect")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(data))
	assert.Zero(t, endpoints.refreshCalls)
}

func TestGetUnavailableTriggersSingleRefresh(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	endpoints := &fakeEndpoints{
		current:   models.Placeholder("127.0.0.1", 8008),
		refreshed: descriptorFor(t, ts),
	}
	c := New(endpoints, time.Second)

	_, err := c.Get(context.Background(), "/v1/connect")
	require.NoError(t, err)
	assert.Equal(t, 1, endpoints.refreshCalls, "exactly one refresh before the request")
}

func TestGetFailsFastWhenRefreshFails(t *testing.T) {
	endpoints := &fakeEndpoints{
		current:    models.Placeholder("127.0.0.1", 8008),
		refreshErr: errors.New("discovery: no backend found before deadline"),
	}
	c := New(endpoints, time.Second)

	_, err := c.Get(context.Background(), "/v1/connect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rediscovery failed")
	assert.Equal(t, 1, endpoints.refreshCalls)
}

func TestNonSuccessSurfacesStatusAndPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"number must be non-negative"}`))
	}))
	defer ts.Close()

	c := New(&fakeEndpoints{current: descriptorFor(t, ts)}, time.Second)

	_, err := c.Post(context.Background(), "/v1/fibonacci", map[string]int{"number": -1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "/v1/fibonacci", apiErr.Path)
	assert.Contains(t, apiErr.Message, "non-negative")
}

func TestPostSendsJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Number int `json:"number"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 10, req.Number)
		_, _ = w.Write([]byte(`{"success":true,"result":55}`))
	}))
	defer ts.Close()

	c := New(&fakeEndpoints{current: descriptorFor(t, ts)}, time.Second)
	data, err := c.Post(context.Background(), "/v1/fibonacci", map[string]int{"number": 10})
	require.NoError(t, err)
	assert.Contains(t, string(data), "55")
}
