package portal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voyagen/stbgate/internal/metrics"
)

// Handshake requests a new bearer token without authorization and stores it
// (with the random value) in the token cache. When the device has no
// signature one is derived from the random value and persisted.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	if err := c.checkTimeout(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearer, c.random = "", ""
	c.mu.Unlock()

	status, body, _, err := c.do(ctx, c.ep.Handshake(), false)
	if err != nil {
		return "", fmt.Errorf("Handshake: %w", err)
	}
	if !c.accepted(status, body) {
		return "", fmt.Errorf("Handshake: %w: status %d", ErrAuthFailed, status)
	}
	var envelope struct {
		JS struct {
			Token  string `json:"token"`
			Random string `json:"random"`
		} `json:"js"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("Handshake: %w: %v", ErrAuthFailed, err)
	}
	token, random := envelope.JS.Token, envelope.JS.Random
	if token == "" {
		return "", fmt.Errorf("Handshake: %w: no token issued", ErrAuthFailed)
	}

	uid := c.Device().UID
	if err := c.tokens.SetToken(ctx, uid, token, random, c.tokenTTL); err != nil {
		return "", fmt.Errorf("Handshake: %w", err)
	}

	c.mu.Lock()
	c.bearer, c.random = token, random
	var newSig string
	if c.device.Signature == "" && random != "" {
		newSig = deriveSignature(c.device.MACAddress, random)
		c.device.Signature = newSig
	}
	c.mu.Unlock()

	if newSig != "" && c.sigStore != nil {
		if err := c.sigStore.UpdateDeviceSignature(ctx, uid, newSig); err != nil {
			c.log.WithError(err).Warn("persist derived signature failed")
		}
	}
	c.log.Debug("portal handshake succeeded")
	return token, nil
}

// Authorize binds the cached token to the device identifiers via get_profile.
func (c *Client) Authorize(ctx context.Context) error {
	if err := c.checkTimeout(ctx); err != nil {
		return err
	}
	uid := c.Device().UID
	c.loadSession(ctx, uid)

	status, body, _, err := c.do(ctx, c.ep.Profile(c.Device()), true)
	if err != nil {
		return fmt.Errorf("Authorize: %w", err)
	}
	if !c.accepted(status, body) {
		c.dropBearer()
		return fmt.Errorf("Authorize: %w: status %d", ErrAuthFailed, status)
	}
	if _, err := decodeJS(body); err != nil {
		c.dropBearer()
		return fmt.Errorf("Authorize: %w: %v", ErrAuthFailed, err)
	}
	return nil
}

// Reauthenticate runs handshake then authorize. Concurrent callers for the
// same device share one cycle, which runs detached from the caller's
// cancellation. Only a rejected handshake or authorize quarantines the
// device; transport errors are returned as is.
func (c *Client) Reauthenticate(ctx context.Context) error {
	return c.shareCycle(ctx, c.reauthenticate)
}

// renew replaces the session after a request carrying rejected was turned
// down. When another caller already replaced that token the cycle is skipped.
func (c *Client) renew(ctx context.Context, rejected string) error {
	if c.renewedSince(ctx, rejected) {
		return nil
	}
	return c.shareCycle(ctx, func(ctx context.Context) error {
		if c.renewedSince(ctx, rejected) {
			return nil
		}
		return c.reauthenticate(ctx)
	})
}

func (c *Client) renewedSince(ctx context.Context, rejected string) bool {
	token, _, ok, err := c.tokens.GetToken(ctx, c.Device().UID)
	return err == nil && ok && token != "" && token != rejected
}

// shareCycle runs fn once for all concurrent callers. A caller whose ctx
// ends stops waiting but the cycle carries on for the others.
func (c *Client) shareCycle(ctx context.Context, fn func(context.Context) error) error {
	ch := c.reauth.DoChan("reauth", func() (any, error) {
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.reauthTimeout)
		defer cancel()
		return nil, fn(cycleCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("Reauthenticate: %w", ctx.Err())
	}
}

func (c *Client) reauthenticate(ctx context.Context) error {
	if err := c.checkTimeout(ctx); err != nil {
		return err
	}
	_, err := c.Handshake(ctx)
	if err == nil {
		err = c.Authorize(ctx)
	}
	if err != nil {
		if !isAuthFailure(err) {
			metrics.PortalReauth.WithLabelValues("error").Inc()
			c.log.WithError(err).Warn("reauthentication interrupted")
			return err
		}
		metrics.PortalReauth.WithLabelValues("rejected").Inc()
		c.quarantine(ctx, err)
		return err
	}
	metrics.PortalReauth.WithLabelValues("ok").Inc()
	c.log.Info("portal session reauthenticated")
	return nil
}

// quarantine sets the timeout flag and forgets the session.
func (c *Client) quarantine(ctx context.Context, cause error) {
	uid := c.Device().UID
	if err := c.tokens.SetTimeout(ctx, uid); err != nil {
		c.log.WithError(err).Warn("set timeout flag failed")
	}
	if err := c.tokens.ClearToken(ctx, uid); err != nil {
		c.log.WithError(err).Warn("clear token failed")
	}
	c.mu.Lock()
	c.bearer, c.random = "", ""
	c.mu.Unlock()
	metrics.PortalQuarantines.Inc()
	c.log.WithError(cause).Warn("reauthentication failed, device quarantined")
}
