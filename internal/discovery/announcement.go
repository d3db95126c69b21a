// Package discovery locates a running backend without knowing its port in
// advance. Three strategies race per round: parsing announcement lines
// forwarded from a supervised subprocess, actively probing the preferred
// port range, and revalidating a previously cached descriptor. The first
// verified result closes the round's gate; the rest are cancelled.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/portside/portside/internal/models"
)

// announcementMarker is the tag the backend prints before the JSON payload.
const announcementMarker = "PORT_INFO:"

// ParseAnnouncementLine extracts a port announcement from one output line.
// Lines without the marker return ok=false and no error; lines with the
// marker but a bad payload return an error so callers can log and skip
// them without treating them as fatal.
func ParseAnnouncementLine(line string) (models.PortAnnouncement, bool, error) {
	var a models.PortAnnouncement
	idx := strings.Index(line, announcementMarker)
	if idx < 0 {
		return a, false, nil
	}
	payload := strings.TrimSpace(line[idx+len(announcementMarker):])
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return a, false, fmt.Errorf("malformed announcement payload: %w", err)
	}
	if err := a.Validate(); err != nil {
		return a, false, fmt.Errorf("invalid announcement: %w", err)
	}
	return a, true, nil
}
