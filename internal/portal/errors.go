package portal

import "errors"

var (
	// ErrProtocol means an expected page element is missing; the portal's
	// page structure has probably changed.
	ErrProtocol = errors.New("portal protocol error")
	// ErrTransport wraps network failures and unexpected HTTP statuses.
	ErrTransport = errors.New("portal transport error")
	// ErrRecognizer wraps failures of the captcha recognizer. Unlike the two
	// above it is not an attempt-level failure.
	ErrRecognizer = errors.New("captcha recognizer failed")
)
