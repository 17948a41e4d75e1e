package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-smtp"
)

// ErrorKind classifies a failed send for retry and account policy.
type ErrorKind string

const (
	// KindHardBounce is permanent: invalid recipient, account gone.
	KindHardBounce ErrorKind = "hard_bounce"
	// KindBlocked is a quota/policy/spam-filter rejection. Not retried
	// this cycle, but not necessarily permanent.
	KindBlocked ErrorKind = "blocked"
	// KindSoftBounce is transient: timeout, temporary server error.
	KindSoftBounce ErrorKind = "soft_bounce"
	// KindAuthRequired means the OAuth token is dead and cannot be
	// refreshed; the account needs external reauthentication.
	KindAuthRequired ErrorKind = "auth_required"
	// KindConfigError means required channel credentials are missing.
	KindConfigError ErrorKind = "config_error"
)

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindSoftBounce
}

// SendError is a classified send failure.
type SendError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError creates a classified error without a cause.
func NewSendError(kind ErrorKind, msg string) *SendError {
	return &SendError{Kind: kind, Message: msg}
}

// WrapSendError classifies an underlying error.
func WrapSendError(kind ErrorKind, msg string, err error) *SendError {
	return &SendError{Kind: kind, Message: msg, Err: err}
}

// Classify extracts the kind from any error, classifying raw SMTP and
// network errors on the way. Unknown errors are treated as transient.
func Classify(err error) ErrorKind {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return classifySMTPCode(smtpErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindSoftBounce
	}

	return KindSoftBounce
}

// classifySMTPCode maps SMTP reply codes onto the taxonomy.
// 550/551/553 are recipient-level permanent failures; 552 and 554 are
// policy or spam-filter rejections; 535 is failed authentication; any
// 4xx is transient.
func classifySMTPCode(code int) ErrorKind {
	switch {
	case code == 535:
		return KindAuthRequired
	case code == 550, code == 551, code == 553:
		return KindHardBounce
	case code == 552, code == 554:
		return KindBlocked
	case code >= 500:
		return KindBlocked
	case code >= 400:
		return KindSoftBounce
	default:
		return KindSoftBounce
	}
}

// classifyHTTPStatus maps delegated-API response codes onto the taxonomy.
func classifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthRequired
	case status == 404:
		return KindHardBounce
	case status == 429:
		return KindBlocked
	case status >= 500:
		return KindSoftBounce
	default:
		return KindBlocked
	}
}
