package ratelimit

import "errors"

var (
	// ErrStoreUnavailable indicates the backing window store could not be reached
	// or did not answer within its operation timeout. The engine never returns a
	// fabricated count in this case; it fails open and marks the decision degraded.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

	// ErrInvalidPolicy indicates a limit policy that violates
	// requests > 0, window > 0 or burst >= requests.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")

	// ErrMalformedIdentity indicates a request carried no resolvable identity.
	// Such requests are evaluated as the anonymous principal on the fallback tier.
	ErrMalformedIdentity = errors.New("ratelimit: malformed identity")
)
