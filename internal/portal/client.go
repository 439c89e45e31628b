// Package portal is the Stalker portal client: the handshake/authorize
// state machine, authenticated GETs with bounded reauthentication, and a
// small concurrent batch fetcher.
package portal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/metrics"
	"github.com/voyagen/stbgate/internal/models"
)

// DefaultUserAgent is the MAG200 browser string the portal expects.
const DefaultUserAgent = "Mozilla/5.0 (Unknown; Linux) AppleWebKit/538.1 (KHTML, like Gecko) MAG200 stbapp ver: 4 rev: 734 Mobile Safari/538.1"

const (
	// MaxAttempts bounds the requests issued by one Get call chain.
	MaxAttempts = 3
	// BatchWorkers is the fan-out of GetBatch.
	BatchWorkers = 3
	// maxBodySize caps portal responses; get_all_channels can be several MB.
	maxBodySize = 32 << 20
)

// SignatureStore persists a regenerated device signature.
type SignatureStore interface {
	UpdateDeviceSignature(ctx context.Context, uid uuid.UUID, signature string) error
}

// Options tune a Client. Zero values fall back to defaults.
type Options struct {
	UserAgent      string
	Timeout        time.Duration
	RateLimit      float64 // requests per second, 0 = unlimited
	FailureMarkers []string
	TokenTTL       time.Duration
	HTTPClient     *http.Client
}

// Client talks to the portal on behalf of one device. It is safe for
// concurrent use; session state lives in the TokenCache so that every
// process sharing the cache sees the same token.
type Client struct {
	ep       Endpoints
	http     *http.Client
	tokens   *cache.TokenCache
	sigStore SignatureStore
	limiter  *rate.Limiter
	markers  []string
	ua       string
	tokenTTL time.Duration
	log      *logrus.Entry
	reauth   singleflight.Group

	reauthTimeout time.Duration

	mu     sync.RWMutex
	device models.DeviceProfile
	bearer string
	random string
}

// NewClient builds a client for device. sigStore may be nil.
func NewClient(device models.DeviceProfile, tokens *cache.TokenCache, sigStore SignatureStore, opts Options, log *logrus.Entry) (*Client, error) {
	ep, err := NewEndpoints(device.Portal)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if len(opts.FailureMarkers) == 0 {
		opts.FailureMarkers = []string{"Authorization failed", "Access denied"}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := int(math.Max(1, math.Ceil(opts.RateLimit)))
	return &Client{
		ep:       ep,
		http:     hc,
		tokens:   tokens,
		sigStore: sigStore,
		limiter:  rate.NewLimiter(limit, burst),
		markers:  opts.FailureMarkers,
		ua:       opts.UserAgent,
		tokenTTL: opts.TokenTTL,
		log:      log.WithField("device_uid", device.UID.String()),
		device:   device,

		reauthTimeout: 2 * opts.Timeout,
	}, nil
}

// Device returns a copy of the device profile, including any regenerated signature.
func (c *Client) Device() models.DeviceProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// Endpoints returns the URL builder for this device's portal.
func (c *Client) Endpoints() Endpoints { return c.ep }

// Authorized reports whether the client currently carries a bearer token.
func (c *Client) Authorized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer != ""
}

// Get issues an authenticated GET and returns the js payload of the envelope.
//
// A rejected request triggers one reauthentication cycle and a retry; the
// chain issues at most MaxAttempts requests. Concurrent rejections of the
// same token share one cycle. A rejected reauthentication quarantines the
// device for the timeout TTL. Malformed payloads are
// returned as ErrMalformed without retrying.
func (c *Client) Get(ctx context.Context, rawURL string) (json.RawMessage, error) {
	uid := c.Device().UID
	action := actionOf(rawURL)
	log := c.log.WithField("action", action)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := c.checkTimeout(ctx); err != nil {
			metrics.PortalRequests.WithLabelValues(action, "quarantined").Inc()
			return nil, err
		}
		c.loadSession(ctx, uid)

		status, body, sent, err := c.do(ctx, rawURL, true)
		if err != nil {
			metrics.PortalRequests.WithLabelValues(action, "transport").Inc()
			log.WithError(err).Warn("portal request failed")
			return nil, err
		}
		if c.accepted(status, body) {
			js, err := decodeJS(body)
			if err != nil {
				metrics.PortalRequests.WithLabelValues(action, "malformed").Inc()
				log.WithError(err).Warn("unexpected portal payload")
				return nil, err
			}
			metrics.PortalRequests.WithLabelValues(action, "ok").Inc()
			return js, nil
		}

		metrics.PortalRequests.WithLabelValues(action, "rejected").Inc()
		c.dropBearer()
		if attempt == MaxAttempts {
			break
		}
		log.WithFields(logrus.Fields{"status": status, "attempt": attempt}).Warn("portal rejected session, reauthenticating")
		if err := c.renew(ctx, sent); err != nil {
			return nil, err
		}
	}

	log.WithField("attempts", MaxAttempts).Warn("portal kept rejecting the session")
	return nil, ErrRetryDepth
}

// GetBatch fetches urls with BatchWorkers concurrent Gets and returns the
// successful payloads in input order. Failures are logged and dropped.
func (c *Client) GetBatch(ctx context.Context, urls []string) []json.RawMessage {
	results := make([]json.RawMessage, len(urls))
	var g errgroup.Group
	g.SetLimit(BatchWorkers)
	for i, u := range urls {
		g.Go(func() error {
			js, err := c.Get(ctx, u)
			if err != nil {
				c.log.WithError(err).WithField("url", u).Debug("batch entry failed")
				return nil
			}
			results[i] = js
			return nil
		})
	}
	_ = g.Wait()

	out := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// FetchGenres returns the raw genre list.
func (c *Client) FetchGenres(ctx context.Context) (json.RawMessage, error) {
	js, err := c.Get(ctx, c.ep.Genres())
	if err != nil {
		return nil, fmt.Errorf("FetchGenres: %w", err)
	}
	return js, nil
}

// FetchChannels returns the raw channel list (the js.data array).
func (c *Client) FetchChannels(ctx context.Context) (json.RawMessage, error) {
	js, err := c.Get(ctx, c.ep.AllChannels())
	if err != nil {
		return nil, fmt.Errorf("FetchChannels: %w", err)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(js, &envelope); err != nil || !isListOrObject(envelope.Data) {
		return nil, fmt.Errorf("FetchChannels: %w: missing data list", ErrMalformed)
	}
	return envelope.Data, nil
}

// CreateLink resolves a stream id to the origin playlist URL.
func (c *Client) CreateLink(ctx context.Context, streamID int64) (string, error) {
	js, err := c.Get(ctx, c.ep.CreateLink(streamID))
	if err != nil {
		return "", fmt.Errorf("CreateLink: %w", err)
	}
	var link struct {
		Cmd   string `json:"cmd"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(js, &link); err != nil {
		return "", fmt.Errorf("CreateLink: %w: %v", ErrMalformed, err)
	}
	// cmd may carry a player hint such as "ffrt http://..."
	fields := strings.Fields(link.Cmd)
	if len(fields) == 0 {
		if link.Error == "link_fault" {
			return "", fmt.Errorf("CreateLink %d: %w", streamID, ErrLinkFault)
		}
		return "", fmt.Errorf("CreateLink %d: %w: empty cmd (error %q)", streamID, ErrMalformed, link.Error)
	}
	return fields[len(fields)-1], nil
}

// --- session ---

func (c *Client) checkTimeout(ctx context.Context) error {
	waiting, err := c.tokens.AwaitingTimeout(ctx, c.Device().UID)
	if err != nil {
		// Cache outage: treat as not quarantined and let the portal decide.
		c.log.WithError(err).Warn("timeout flag lookup failed")
		return nil
	}
	if waiting {
		c.log.Debug("device awaiting timeout")
		return ErrAwaitingTimeout
	}
	return nil
}

// loadSession refreshes the bearer from the shared cache, which another
// process or goroutine may have updated.
func (c *Client) loadSession(ctx context.Context, uid uuid.UUID) {
	token, random, ok, err := c.tokens.GetToken(ctx, uid)
	if err != nil {
		c.log.WithError(err).Warn("token lookup failed")
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	c.bearer, c.random = token, random
	c.mu.Unlock()
}

func (c *Client) dropBearer() {
	c.mu.Lock()
	c.bearer = ""
	c.mu.Unlock()
}

// accepted reports whether the portal took the request: HTTP 200 and no
// failure marker anywhere in the body.
func (c *Client) accepted(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	for _, m := range c.markers {
		if bytes.Contains(body, []byte(m)) {
			return false
		}
	}
	return true
}

// --- transport ---

// do sends one GET and returns the status, the body and the bearer it carried.
func (c *Client) do(ctx context.Context, rawURL string, withAuth bool) (int, []byte, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, "", fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, "", fmt.Errorf("NewRequest: %w", err)
	}
	sent := c.decorate(req, withAuth)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, sent, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, sent, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	return resp.StatusCode, body, sent, nil
}

func (c *Client) decorate(req *http.Request, withAuth bool) string {
	c.mu.RLock()
	d, bearer, random := c.device, c.bearer, c.random
	c.mu.RUnlock()

	lang := d.Language
	if lang == "" {
		lang = "en"
	}
	tz := d.Timezone
	if tz == "" {
		tz = "UTC"
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept-Language", lang+",*")
	req.Header.Set("Referer", c.ep.Referer())
	req.AddCookie(&http.Cookie{Name: "mac", Value: strings.ReplaceAll(d.MACAddress, "-", ":")})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: lang})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: tz})

	if !withAuth {
		return ""
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if random != "" {
		req.Header.Set("X-Random", random)
		req.Header.Set("Random", random)
	}
	return bearer
}

// decodeJS unwraps the {"js": ...} envelope. js must be an object or a list.
func decodeJS(body []byte) (json.RawMessage, error) {
	var envelope struct {
		JS json.RawMessage `json:"js"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !isListOrObject(envelope.JS) {
		return nil, fmt.Errorf("%w: js is not an object or list", ErrMalformed)
	}
	return envelope.JS, nil
}

func isListOrObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// deriveSignature is the signature STB firmware computes when the portal
// does not assign one.
func deriveSignature(mac, random string) string {
	sum := sha256.Sum256([]byte(mac + random))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// isAuthFailure reports whether err came from a rejected handshake or authorize.
func isAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// ShortEPGURL returns the short EPG URL of one channel.
func (c *Client) ShortEPGURL(channelID int64) string { return c.ep.ShortEPG(channelID) }
