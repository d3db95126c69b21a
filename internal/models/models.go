// Package models provides data structures and constants for portside.
//
// This package contains the core domain models shared by the backend and
// the host side:
//   - Descriptor: The endpoint descriptor the host uses to reach the backend
//   - PortAnnouncement: The structured record a backend emits once bound
//   - SidecarState: Lifecycle state of a supervised backend subprocess
//
// All models are designed for JSON serialization; Descriptor is also the
// shape persisted in the local cache.
package models

import "fmt"

// AnnouncementType is the fixed "type" field of every port announcement.
const AnnouncementType = "port_info"

// Backend run modes, reported in announcements and health payloads.
const (
	ModeSidecar    = "sidecar"
	ModeStandalone = "standalone"
)

// Descriptor identifies the backend endpoint the host talks to.
//
// Exactly one descriptor is current at any time; it is replaced atomically
// through the config store and never mutated in place. A descriptor with
// Available=false is a placeholder: the port is a default, not a promise.
type Descriptor struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Available bool   `json:"available"`
}

// BaseURL derives the HTTP base URL for the endpoint.
func (d Descriptor) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// HealthURL derives the liveness probe URL for the endpoint.
func (d Descriptor) HealthURL() string {
	return d.BaseURL() + "/health"
}

// Valid reports whether the descriptor names a usable TCP endpoint.
func (d Descriptor) Valid() bool {
	return d.Host != "" && d.Port >= 1 && d.Port <= 65535
}

// Placeholder returns the descriptor used before any discovery round has
// settled: the default port, marked unavailable.
func Placeholder(host string, port int) Descriptor {
	return Descriptor{Host: host, Port: port, Available: false}
}

// PortAnnouncement is the wire record a backend prints to stdout exactly
// once per start, after its port is bound and before it serves application
// routes.
type PortAnnouncement struct {
	Type      string `json:"type"`
	Mode      string `json:"mode"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	DocsURL   string `json:"docs_url"`
	HealthURL string `json:"health_url"`
}

// Validate checks the fields discovery relies on.
func (a PortAnnouncement) Validate() error {
	if a.Type != AnnouncementType {
		return fmt.Errorf("announcement type %q is not %q", a.Type, AnnouncementType)
	}
	if a.Mode != ModeSidecar && a.Mode != ModeStandalone {
		return fmt.Errorf("announcement mode %q is not sidecar or standalone", a.Mode)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("announcement port %d out of range", a.Port)
	}
	return nil
}

// SidecarState represents the current state of a supervised backend
// subprocess in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	NOT_STARTED → STARTING → RUNNING → STOPPING → STOPPED
//
// RUNNING can transition to FAILED when the process exits unexpectedly.
// STOPPED and FAILED can transition back to STARTING via start or restart.
// Transitions are serialized per controller: a start/stop/restart request
// arriving while another is in flight is rejected, not queued.
type SidecarState string

const (
	// SidecarNotStarted is the initial state before any spawn request.
	SidecarNotStarted SidecarState = "NOT_STARTED"
	// SidecarStarting indicates the spawn request was issued; the backend
	// is not yet known to be reachable.
	SidecarStarting SidecarState = "STARTING"
	// SidecarRunning indicates discovery confirmed the backend reachable.
	SidecarRunning SidecarState = "RUNNING"
	// SidecarStopping indicates graceful termination is in progress.
	SidecarStopping SidecarState = "STOPPING"
	// SidecarStopped indicates the process exited after a stop request.
	SidecarStopped SidecarState = "STOPPED"
	// SidecarFailed indicates the process exited without being asked to.
	SidecarFailed SidecarState = "FAILED"
)
