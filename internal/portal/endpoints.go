package portal

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/voyagen/stbgate/internal/models"
)

// stbProfileParams mimic a MAG420 running current firmware; the portal
// rejects get_profile calls that omit them.
var stbProfileParams = []string{
	"hd", "3",
	"ver", "ImageDescription: 2.20.04-420; ImageDate: Wed Aug 19 11:43:17 UTC 2020; PORTAL version: 5.1.1; API Version: JS API version: 348",
	"num_banks", "1",
	"sn", "092020N014162",
	"stb_type", "MAG420",
	"image_version", "220",
	"video_out", "hdmi",
}

// Endpoints builds loader URLs for one portal.
type Endpoints struct {
	loader  string
	referer string
	host    string
}

// NewEndpoints accepts either a bare "host[:port]" or a full URL. When the
// URL already names a load.php or portal.php loader it is used as is,
// otherwise the stock stalker_portal loader path is appended.
func NewEndpoints(portal string) (Endpoints, error) {
	raw := strings.TrimSpace(portal)
	if raw == "" {
		return Endpoints{}, fmt.Errorf("portal address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoints{}, fmt.Errorf("parse portal %q: %w", portal, err)
	}
	if u.Host == "" {
		return Endpoints{}, fmt.Errorf("portal %q has no host", portal)
	}
	origin := u.Scheme + "://" + u.Host

	loader := origin + "/stalker_portal/server/load.php"
	referer := origin + "/stalker_portal/c/"
	if p := u.Path; strings.HasSuffix(p, "/load.php") || strings.HasSuffix(p, "/portal.php") {
		loader = origin + p
		// .../server/load.php -> .../c/
		dir := p[:strings.LastIndex(p, "/")]
		dir = strings.TrimSuffix(dir, "/server")
		referer = origin + dir + "/c/"
	}
	return Endpoints{loader: loader, referer: referer, host: u.Host}, nil
}

// Host returns the portal host[:port].
func (e Endpoints) Host() string { return e.host }

// Referer returns the portal's STB web client URL.
func (e Endpoints) Referer() string { return e.referer }

// Handshake requests a fresh token.
func (e Endpoints) Handshake() string {
	return e.build("type", "stb", "action", "handshake", "token", "")
}

// Profile authorizes the current token for the device.
func (e Endpoints) Profile(d models.DeviceProfile) string {
	kv := append([]string{"type", "stb", "action", "get_profile"}, stbProfileParams...)
	kv = append(kv,
		"device_id", d.DeviceID1,
		"device_id2", d.DeviceID2,
		"signature", d.Signature,
		"auth_second_step", "0",
		"hw_version", "04D-P0L-00",
		"not_valid_token", "0",
	)
	return e.build(kv...)
}

// Genres lists live TV genres.
func (e Endpoints) Genres() string {
	return e.build("type", "itv", "action", "get_genres")
}

// AllChannels lists every live channel.
func (e Endpoints) AllChannels() string {
	return e.build("type", "itv", "action", "get_all_channels")
}

// ShortEPG lists the next few programmes for one channel.
func (e Endpoints) ShortEPG(channelID int64) string {
	return e.build("type", "itv", "action", "get_short_epg", "ch_id", strconv.FormatInt(channelID, 10))
}

// CreateLink resolves a stream id to a playable URL.
func (e Endpoints) CreateLink(streamID int64) string {
	return e.build(
		"type", "itv",
		"action", "create_link",
		"cmd", "ffrt http://localhost/ch/"+strconv.FormatInt(streamID, 10),
		"series", "",
		"forced_storage", "undefined",
		"disable_ad", "0",
		"download", "0",
	)
}

// build keeps parameter order stable and encodes spaces as %20, as STB
// firmware does. JsHttpRequest always comes last.
func (e Endpoints) build(kv ...string) string {
	var b strings.Builder
	b.WriteString(e.loader)
	b.WriteByte('?')
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString(kv[i])
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(url.QueryEscape(kv[i+1]), "+", "%20"))
		b.WriteByte('&')
	}
	b.WriteString("JsHttpRequest=1-xml")
	return b.String()
}

// actionOf extracts the action parameter for metrics labels.
func actionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	if a := u.Query().Get("action"); a != "" {
		return a
	}
	return "unknown"
}
