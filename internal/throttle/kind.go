// Package throttle holds the pieces every outbound API call shares: the
// error classification, the inter-request spacing gate and the retry policy.
package throttle

// Kind classifies the outcome of a single remote call.
type Kind int

const (
	KindNone Kind = iota
	// KindClient is a 4xx other than 401 and 429. Never retried.
	KindClient
	// KindAuth is a missing or rejected credential. Never retried.
	KindAuth
	// KindServer covers 5xx responses and connection errors.
	KindServer
	// KindRateLimited is HTTP 429.
	KindRateLimited
	// KindTimeout is a per-call deadline expiry.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindClient:
		return "client_error"
	case KindAuth:
		return "auth_error"
	case KindServer:
		return "server_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Transient reports whether a call failing with k may be retried.
func (k Kind) Transient() bool {
	return k == KindServer || k == KindRateLimited || k == KindTimeout
}
