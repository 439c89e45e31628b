package portal

import "errors"

var (
	// ErrAwaitingTimeout means the device is quarantined after a failed
	// reauthentication; no request was sent.
	ErrAwaitingTimeout = errors.New("device awaiting timeout")
	// ErrAuthFailed means the handshake or authorize step was rejected.
	ErrAuthFailed = errors.New("portal authentication failed")
	// ErrMalformed means the portal answered with a body that is not a JSON
	// envelope whose js field is an object or a list. Never retried.
	ErrMalformed = errors.New("malformed portal response")
	// ErrRetryDepth means the portal kept rejecting a request after reauthentication.
	ErrRetryDepth = errors.New("portal retry depth exceeded")
	// ErrTransport wraps connection errors and timeouts.
	ErrTransport = errors.New("portal transport error")
	// ErrLinkFault means create_link did not resolve the stream id.
	ErrLinkFault = errors.New("portal link fault")
)
