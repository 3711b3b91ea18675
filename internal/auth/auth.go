// Package auth validates mod tokens. Tokens are stored and compared as
// blake3 digests so the raw token never sits in the database.
package auth

import (
	"context"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"

	"relicrace/server/internal/race"
	"relicrace/server/internal/store"
)

// ErrUnknownToken marks a token that matches no participant in the
// race.
var ErrUnknownToken = errors.New("auth: unknown token")

// Authenticator resolves a raw mod token to the participant it belongs
// to within a race.
type Authenticator interface {
	ParticipantByToken(ctx context.Context, raceID, token string) (*race.Participant, error)
}

// HashToken returns the hex blake3 digest of a raw token.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenAuthenticator hashes the presented token and looks it up in the
// participant store.
type TokenAuthenticator struct {
	participants store.ParticipantStore
}

func NewTokenAuthenticator(participants store.ParticipantStore) *TokenAuthenticator {
	return &TokenAuthenticator{participants: participants}
}

func (a *TokenAuthenticator) ParticipantByToken(ctx context.Context, raceID, token string) (*race.Participant, error) {
	if token == "" {
		return nil, ErrUnknownToken
	}
	p, err := a.participants.ParticipantByToken(ctx, raceID, HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownToken
		}
		return nil, err
	}
	return p, nil
}
