package authsession

import (
	"github.com/adred-codev/channelserver/internal/chserr"
	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/store"
)

// Identity is what Authenticate returns on success.
type Identity struct {
	AccountID  string
	ProfileID  string
	DeviceHash string
}

// ProfileLoader abstracts the persistence adapter that resolves a token's
// account_id (and optional profile_id hint) into full profile metadata —
// the narrow external collaborator interface named in §1.
type ProfileLoader interface {
	ProfileByAccountID(accountID, profileIDHint string) (*store.Profile, error)
}

// Service implements the Auth Session component (C3).
type Service struct {
	secret    string
	xorKey    string
	authTable *sharedtables.AuthTable
	profiles  ProfileLoader
}

// New builds an Auth Session service bound to the process-wide Auth Table.
func New(secret, xorKey string, authTable *sharedtables.AuthTable, profiles ProfileLoader) *Service {
	return &Service{secret: secret, xorKey: xorKey, authTable: authTable, profiles: profiles}
}

// Authenticate validates token, loads the identity, and — on success —
// writes a Session row into the Auth Table keyed by fd. On failure the Auth
// Table is left untouched and the connection remains unauthenticated.
func (s *Service) Authenticate(fd int64, token string) (*Identity, error) {
	claims, err := Verify(token, s.secret, s.xorKey)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.ProfileByAccountID(claims.AccountID, claims.ProfileID)
	if err != nil {
		if err == store.ErrProfileNotFound {
			return nil, newAuthError(KindProfileNotFound, err)
		}
		return nil, chserr.Wrap(chserr.KindPersistence, "load profile", err)
	}

	session := &sharedtables.Session{
		Fd:         fd,
		AccountID:  profile.AccountID,
		ProfileID:  profile.ProfileID,
		Token:      token,
		DeviceHash: claims.DeviceHash,
	}
	if err := s.authTable.Put(session); err != nil {
		return nil, chserr.Wrap(chserr.KindCapacityExhausted, "auth table full", err)
	}

	return &Identity{
		AccountID:  profile.AccountID,
		ProfileID:  profile.ProfileID,
		DeviceHash: claims.DeviceHash,
	}, nil
}

// SessionFor reads the Session bound to fd, if any.
func (s *Service) SessionFor(fd int64) (*sharedtables.Session, bool) {
	return s.authTable.Get(fd)
}

// Clear removes the Session for fd, called on disconnect.
func (s *Service) Clear(fd int64) {
	s.authTable.Delete(fd)
}
