package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/authbridge/internal/tokenstore"
)

// primaryServer is the fixed storage key for this installation's single
// OAuth identity. One stored identity per installation, not multi-account.
const primaryServer = "primary"

// LoadCredentials reads the stored session and maps it onto the oauth2 token
// shape. Returns a nil token when nothing usable is stored: no record at
// all, or a record whose token carries neither access nor refresh value.
// The second return is the space-delimited scope string granted at consent.
func LoadCredentials(ctx context.Context, store tokenstore.Store) (*oauth2.Token, string, error) {
	creds, err := store.Get(ctx, primaryServer)
	if err != nil {
		return nil, "", err
	}
	if creds == nil {
		return nil, "", nil
	}

	t := creds.Token
	if t.AccessToken == "" && t.RefreshToken == "" {
		return nil, "", nil
	}

	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	// Zero ExpiresAt means unknown expiry; leave tok.Expiry at its zero
	// value rather than epoch zero.
	if t.ExpiresAt != 0 {
		tok.Expiry = time.UnixMilli(t.ExpiresAt)
	}
	return tok, t.Scope, nil
}

// SaveCredentials maps an oauth2 token back onto the stored record and
// persists it, defaulting the token type to "Bearer" when absent.
func SaveCredentials(ctx context.Context, store tokenstore.Store, tok *oauth2.Token, scope string) error {
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	creds := &tokenstore.Credentials{
		ServerName: primaryServer,
		Token: tokenstore.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    tokenType,
			Scope:        scope,
		},
	}
	if !tok.Expiry.IsZero() {
		creds.Token.ExpiresAt = tok.Expiry.UnixMilli()
	}

	return store.Set(ctx, creds)
}

// ClearCredentials deletes the stored session. Idempotent: a missing record
// is not an error.
func ClearCredentials(ctx context.Context, store tokenstore.Store) error {
	err := store.Delete(ctx, primaryServer)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil
	}
	return err
}
