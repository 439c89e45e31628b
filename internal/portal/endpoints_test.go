package portal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/stbgate/internal/models"
)

func TestNewEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		portal     string
		wantLoader string
		wantRef    string
	}{
		{"bare host", "portal.example", "http://portal.example/stalker_portal/server/load.php", "http://portal.example/stalker_portal/c/"},
		{"host and port", "portal.example:8080", "http://portal.example:8080/stalker_portal/server/load.php", "http://portal.example:8080/stalker_portal/c/"},
		{"https base", "https://portal.example/", "https://portal.example/stalker_portal/server/load.php", "https://portal.example/stalker_portal/c/"},
		{"explicit loader", "http://portal.example/stalker_portal/server/load.php", "http://portal.example/stalker_portal/server/load.php", "http://portal.example/stalker_portal/c/"},
		{"portal.php", "http://portal.example/portal.php", "http://portal.example/portal.php", "http://portal.example/c/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := NewEndpoints(tt.portal)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLoader+"?type=stb&action=handshake&token=&JsHttpRequest=1-xml", ep.Handshake())
			assert.Equal(t, tt.wantRef, ep.Referer())
		})
	}
}

func TestNewEndpointsRejectsEmpty(t *testing.T) {
	_, err := NewEndpoints("  ")
	assert.Error(t, err)
}

func TestEndpointQueries(t *testing.T) {
	ep, err := NewEndpoints("portal.example")
	require.NoError(t, err)

	assert.Contains(t, ep.ShortEPG(7), "action=get_short_epg&ch_id=7&JsHttpRequest=1-xml")
	assert.Contains(t, ep.CreateLink(42), "cmd=ffrt%20http%3A%2F%2Flocalhost%2Fch%2F42&series=&forced_storage=undefined")

	profile := ep.Profile(models.DeviceProfile{DeviceID1: "A", DeviceID2: "B", Signature: "S"})
	assert.Contains(t, profile, "stb_type=MAG420")
	assert.Contains(t, profile, "device_id=A&device_id2=B&signature=S&auth_second_step=0")
	assert.NotContains(t, profile, "+")

	assert.Equal(t, "get_short_epg", actionOf(ep.ShortEPG(1)))
	assert.Equal(t, "unknown", actionOf("http://x/?type=itv"))
}
