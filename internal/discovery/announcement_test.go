package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside/portside/internal/models"
)

func TestParseAnnouncementLine(t *testing.T) {
	line := `[sidecar] PORT_INFO: {"type":"port_info","mode":"sidecar","port":8011,"url":"http://127.0.0.1:8011","docs_url":"http://127.0.0.1:8011/docs","health_url":"http://127.0.0.1:8011/health"}`
	a, ok, err := ParseAnnouncementLine(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8011, a.Port)
	assert.Equal(t, models.ModeSidecar, a.Mode)
}

func TestParseAnnouncementLineIgnoresPlainOutput(t *testing.T) {
	for _, line := range []string{
		"[sidecar] Using available port 8011",
		"[sidecar] API server running at http://127.0.0.1:8011",
		"",
		"random stderr noise",
	} {
		_, ok, err := ParseAnnouncementLine(line)
		require.NoError(t, err, "line %q", line)
		assert.False(t, ok, "line %q", line)
	}
}

func TestParseAnnouncementLineMalformedPayload(t *testing.T) {
	for _, line := range []string{
		`[sidecar] PORT_INFO: {not json`,
		`[sidecar] PORT_INFO: {"type":"other","mode":"sidecar","port":8011}`,
		`[sidecar] PORT_INFO: {"type":"port_info","mode":"sidecar","port":0}`,
	} {
		_, ok, err := ParseAnnouncementLine(line)
		require.Error(t, err, "line %q", line)
		assert.False(t, ok)
	}
}
