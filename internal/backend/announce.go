package backend

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/portside/portside/internal/models"
)

// AnnouncementMarker is the fixed tag discovery matches on. The line format
// is "[mode] PORT_INFO: {json}".
const AnnouncementMarker = "PORT_INFO:"

// NewAnnouncement builds the port announcement for a bound endpoint.
func NewAnnouncement(mode, host string, port int) models.PortAnnouncement {
	base := fmt.Sprintf("http://%s:%d", host, port)
	return models.PortAnnouncement{
		Type:      models.AnnouncementType,
		Mode:      mode,
		Port:      port,
		URL:       base,
		DocsURL:   base + "/docs",
		HealthURL: base + "/health",
	}
}

// WriteAnnouncement emits the structured announcement line followed by the
// human-readable lines. Listeners key on AnnouncementMarker and must ignore
// the rest.
func WriteAnnouncement(w io.Writer, a models.PortAnnouncement) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if _, err := fmt.Fprintf(w, "[%s] %s %s\n", a.Mode, AnnouncementMarker, payload); err != nil {
		return fmt.Errorf("write announcement: %w", err)
	}
	fmt.Fprintf(w, "[%s] Using available port %d\n", a.Mode, a.Port)
	fmt.Fprintf(w, "[%s] API server running at %s\n", a.Mode, a.URL)
	if a.Mode == models.ModeSidecar {
		fmt.Fprintf(w, "[%s] Health check: %s\n", a.Mode, a.HealthURL)
	}
	return nil
}
