package authz

import "fmt"

// Reason classifies a denial. Its value is the stable code returned to
// clients as err_code.
type Reason int

const (
	// ReasonNone accompanies an allowed decision.
	ReasonNone Reason = 0
	// ReasonInvalidCapability covers a missing, malformed, tampered or
	// wrong-kind token, and a token minted for another job.
	ReasonInvalidCapability Reason = 403001
	// ReasonInsufficientPermissions covers both an inactive job and a path
	// outside the allow-list. The two are not distinguished externally.
	ReasonInsufficientPermissions Reason = 403002
	// ReasonInvalidPath is returned when the requested path cannot be
	// canonicalized.
	ReasonInvalidPath Reason = 403003
	// ReasonNotFound is returned when the job does not exist.
	ReasonNotFound Reason = 403004
)

// Code returns the numeric err_code.
func (r Reason) Code() int { return int(r) }

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidCapability:
		return "invalid_capability"
	case ReasonInsufficientPermissions:
		return "insufficient_permissions"
	case ReasonInvalidPath:
		return "invalid_path"
	case ReasonNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}
