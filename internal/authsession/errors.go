package authsession

import "github.com/adred-codev/channelserver/internal/chserr"

// AuthErrorKind enumerates the AuthError sub-kinds of §7.
type AuthErrorKind int

const (
	KindMalformed AuthErrorKind = iota
	KindBadSignature
	KindExpired
	KindProfileNotFound
)

func newAuthError(kind AuthErrorKind, cause error) *chserr.Error {
	switch kind {
	case KindExpired:
		return chserr.Wrap(chserr.KindAuthExpired, "token expired", cause)
	case KindBadSignature:
		return chserr.Wrap(chserr.KindAuthBadSignature, "bad token signature", cause)
	case KindProfileNotFound:
		return chserr.Wrap(chserr.KindAuthProfileNotFound, "profile not found", cause)
	default:
		return chserr.Wrap(chserr.KindAuthMalformed, "malformed token", cause)
	}
}
