// Package proxy relays a channel's HLS stream through the gateway. Playlist
// rewrites every segment URI into an encrypted token; ServeSegment decrypts
// the token and tunnels the origin segment to the caller.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/fetcher"
	"github.com/voyagen/stbgate/internal/metrics"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/portal"
	"github.com/voyagen/stbgate/internal/store"
)

var (
	// ErrStreamMismatch means the token was issued for another stream than the channel now carries.
	ErrStreamMismatch = errors.New("segment token does not match channel stream")
	// ErrUnknownChannel means the channel is not in the catalog.
	ErrUnknownChannel = errors.New("unknown channel")
)

// UpstreamError carries a non-200 origin status back to the caller.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Status)
}

// LinkResolver turns a stream id into an origin playlist URL.
type LinkResolver interface {
	CreateLink(ctx context.Context, streamID int64) (string, error)
}

// ResolverFunc returns the link resolver for a device.
type ResolverFunc func(ctx context.Context, deviceUID uuid.UUID) (LinkResolver, error)

// ChannelLookup is the read side of the catalog the proxy needs.
type ChannelLookup interface {
	GetChannel(ctx context.Context, uid uuid.UUID, channelID int64) (*models.Channel, error)
}

// Options tunes the origin HTTP client and the relay.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	ChunkSize  int
	HTTPClient *http.Client
	// SealerCacheSize bounds the number of per-device sealers kept.
	SealerCacheSize int
}

// Proxy implements both phases of the stream tunnel.
type Proxy struct {
	channels  ChannelLookup
	resolve   ResolverFunc
	http      *http.Client
	userAgent string
	chunkSize int
	sealers   *lru.Cache[uuid.UUID, *Sealer]
	log       *logrus.Entry
}

// New builds a Proxy.
func New(channels ChannelLookup, resolve ResolverFunc, opts Options, log *logrus.Entry) (*Proxy, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}
	if opts.SealerCacheSize <= 0 {
		opts.SealerCacheSize = 64
	}
	if opts.UserAgent == "" {
		opts.UserAgent = portal.DefaultUserAgent
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No overall timeout: segment bodies stream for as long as the viewer reads.
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: opts.Timeout,
			MaxIdleConnsPerHost:   8,
		}}
	}
	sealers, err := lru.New[uuid.UUID, *Sealer](opts.SealerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sealer cache: %w", err)
	}
	return &Proxy{
		channels:  channels,
		resolve:   resolve,
		http:      hc,
		userAgent: opts.UserAgent,
		chunkSize: opts.ChunkSize,
		sealers:   sealers,
		log:       log,
	}, nil
}

// Playlist resolves the channel's origin playlist and rewrites each segment
// URI to segmentURL(token).
func (p *Proxy) Playlist(ctx context.Context, deviceUID uuid.UUID, channelID int64, segmentURL func(token string) string) ([]byte, error) {
	log := p.log.WithFields(logrus.Fields{"device_uid": deviceUID, "channel_id": channelID})
	body, n, err := p.playlist(ctx, deviceUID, channelID, segmentURL)
	if err != nil {
		metrics.ProxyPlaylists.WithLabelValues("error").Inc()
		log.WithError(err).Warn("proxy playlist failed")
		return nil, err
	}
	metrics.ProxyPlaylists.WithLabelValues("ok").Inc()
	log.WithField("segments", n).Debug("proxy playlist rewritten")
	return body, nil
}

func (p *Proxy) playlist(ctx context.Context, deviceUID uuid.UUID, channelID int64, segmentURL func(string) string) ([]byte, int, error) {
	ch, err := p.channel(ctx, deviceUID, channelID)
	if err != nil {
		return nil, 0, err
	}
	resolver, err := p.resolve(ctx, deviceUID)
	if err != nil {
		return nil, 0, fmt.Errorf("resolver: %w", err)
	}
	link, err := resolver.CreateLink(ctx, ch.StreamID)
	if err != nil {
		return nil, 0, err
	}
	pl, err := fetcher.FetchPlaylist(ctx, p.http, link, p.userAgent)
	if err != nil {
		return nil, 0, upstream(err)
	}
	sealer, err := p.sealer(deviceUID)
	if err != nil {
		return nil, 0, err
	}
	return fetcher.RewritePlaylist(pl.Body, func(uri string) (string, error) {
		token, err := sealer.Seal(SegmentToken{
			StreamID:          ch.StreamID,
			BaseLink:          pl.BaseURL,
			SegmentPath:       uri,
			SessionIdentifier: pl.SessionID,
		})
		if err != nil {
			return "", err
		}
		return segmentURL(token), nil
	})
}

// ServeSegment decrypts data, checks it against the channel's current stream
// and copies the origin segment to w in fixed-size chunks. Errors returned
// before anything is written can be mapped with StatusOf.
func (p *Proxy) ServeSegment(ctx context.Context, w http.ResponseWriter, deviceUID uuid.UUID, channelID int64, data string) error {
	sealer, err := p.sealer(deviceUID)
	if err != nil {
		return err
	}
	tok, err := sealer.Open(data)
	if err != nil {
		return err
	}
	ch, err := p.channel(ctx, deviceUID, channelID)
	if err != nil {
		return err
	}
	if tok.StreamID != ch.StreamID {
		return fmt.Errorf("%w: token %d, channel %d", ErrStreamMismatch, tok.StreamID, ch.StreamID)
	}
	target, err := segmentTarget(tok)
	if err != nil {
		return err
	}

	resp, err := fetcher.OpenSegment(ctx, p.http, target, p.userAgent, tok.SessionIdentifier)
	if err != nil {
		err = upstream(err)
		var ue *UpstreamError
		if errors.As(err, &ue) {
			metrics.ProxySegments.WithLabelValues(strconv.Itoa(ue.Status)).Inc()
		} else {
			metrics.ProxySegments.WithLabelValues("error").Inc()
		}
		return err
	}
	defer resp.Body.Close()
	metrics.ProxySegments.WithLabelValues("200").Inc()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "video/mp2t"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := p.relay(w, resp.Body); err != nil {
		p.log.WithFields(logrus.Fields{"device_uid": deviceUID, "channel_id": channelID}).
			WithError(err).Debug("segment relay interrupted")
	}
	return nil
}

func (p *Proxy) relay(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, p.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *Proxy) channel(ctx context.Context, deviceUID uuid.UUID, channelID int64) (*models.Channel, error) {
	ch, err := p.channels.GetChannel(ctx, deviceUID, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *Proxy) sealer(deviceUID uuid.UUID) (*Sealer, error) {
	if s, ok := p.sealers.Get(deviceUID); ok {
		return s, nil
	}
	s, err := NewSealer(deviceUID)
	if err != nil {
		return nil, err
	}
	p.sealers.Add(deviceUID, s)
	return s, nil
}

func segmentTarget(t SegmentToken) (string, error) {
	base, err := url.Parse(t.BaseLink)
	if err != nil {
		return "", fmt.Errorf("%w: base link: %v", ErrBadToken, err)
	}
	ref, err := url.Parse(t.SegmentPath)
	if err != nil {
		return "", fmt.Errorf("%w: segment path: %v", ErrBadToken, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func upstream(err error) error {
	var se *fetcher.StatusError
	if errors.As(err, &se) {
		return &UpstreamError{Status: se.Code}
	}
	return fmt.Errorf("%w: %v", portal.ErrTransport, err)
}

// StatusOf maps a proxy error to the HTTP status returned to the viewer.
func StatusOf(err error) int {
	var ue *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ue):
		return ue.Status
	case errors.Is(err, portal.ErrAwaitingTimeout), errors.Is(err, portal.ErrAuthFailed), errors.Is(err, portal.ErrRetryDepth):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadToken):
		return http.StatusForbidden
	case errors.Is(err, ErrStreamMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, portal.ErrLinkFault), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
