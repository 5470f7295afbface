package realtime

import "errors"

var (
	ErrConnectionNotFound   = errors.New("realtime: connection not found")
	ErrConnectionClosed     = errors.New("realtime: connection closed")
	ErrAuthenticationFailed = errors.New("realtime: authentication failed")
	ErrUnknownMessageType   = errors.New("realtime: unknown message type")
	ErrMalformedEnvelope    = errors.New("realtime: invalid message format")
	ErrIdentityBound        = errors.New("realtime: identity is bound to the session")
)

// Close codes sent to clients
const (
	CloseNormal       = 1000
	CloseUnauthorized = 4001
)

// ClientError carries a message that is safe to show the client.
// Any other error reaching the dispatcher is reported with a generic message.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return "realtime client error: " + e.Message + ": " + e.Err.Error()
	}
	return "realtime client error: " + e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// NewClientError wraps err with a client-facing message
func NewClientError(message string, err error) error {
	return &ClientError{Message: message, Err: err}
}
