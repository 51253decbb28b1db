package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

const codeColumns = `c.client_id, c.redirect_uri, c.scope, c.context_id, c.user_id, c.issued_at, c.expires_at`

func scanCode(code string, row pgx.Row) (*storage.AuthorizationCode, error) {
	rec := &storage.AuthorizationCode{Code: code}
	var sc string
	if err := row.Scan(&rec.ClientID, &rec.RedirectURI, &sc, &rec.ContextID, &rec.UserID, &rec.IssuedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	parsed, err := scope.ParseString(sc)
	if err != nil {
		return nil, fmt.Errorf("stored authorization code has invalid scope: %w", err)
	}
	rec.Scope = parsed
	rec.IssuedAt = rec.IssuedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

// PutCode stores a new authorization code
func (s *Store) PutCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.track(ctx, "put_code")
	defer func() { done(err) }()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	fp := s.protector.Fingerprint(code.Code)
	now := s.clock.Now()

	err = s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		// An expired code with the same value no longer blocks the insert.
		if _, err := tx.Exec(ctx, `
			DELETE FROM oauth_tokens t USING oauth_authorization_codes c
			WHERE t.fingerprint = $1 AND c.fingerprint = t.fingerprint AND c.expires_at <= $2
		`, fp, now); err != nil {
			return false, fmt.Errorf("error removing expired code: %w", err)
		}

		if _, err := tx.Exec(ctx, `INSERT INTO oauth_tokens (fingerprint, kind) VALUES ($1, 'code')`, fp); err != nil {
			return false, mapError(err, "error inserting code fingerprint")
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO oauth_authorization_codes
				(fingerprint, client_id, redirect_uri, scope, context_id, user_id, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, fp, code.ClientID, code.RedirectURI, code.Scope.String(), code.ContextID, code.UserID, code.IssuedAt, code.ExpiresAt); err != nil {
			return false, mapError(err, "error inserting authorization code")
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.TokenPrefix(code.Code),
		"client_id", code.ClientID)
	return nil
}

// TakeCode atomically retrieves and deletes an authorization code
func (s *Store) TakeCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.track(ctx, "take_code")
	defer func() { done(err) }()

	row := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_tokens t USING oauth_authorization_codes c
		WHERE t.fingerprint = $1 AND t.kind = 'code' AND c.fingerprint = t.fingerprint
		RETURNING `+codeColumns,
		s.protector.Fingerprint(code))

	rec, err := scanCode(code, row)
	if errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("error taking authorization code: %w", err)
		return nil, err
	}

	if rec.IsExpired(s.clock.Now()) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		return nil, err
	}
	return rec, nil
}

// ExchangeCode consumes a code and installs the grant built from it in one
// transaction. The code row is locked first, so concurrent exchanges of the
// same code serialize and all but one see it gone.
func (s *Store) ExchangeCode(ctx context.Context, exchange storage.CodeExchange) (_ *storage.AuthorizationCode, _ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "exchange_code")
	defer func() { done(err) }()

	if err = storage.ValidateExchange(exchange); err != nil {
		return nil, nil, err
	}

	fp := s.protector.Fingerprint(exchange.Code)
	now := s.clock.Now()

	var rec *storage.AuthorizationCode
	var grant *storage.Grant

	err = s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		var scanErr error
		rec, scanErr = scanCode(exchange.Code, tx.QueryRow(ctx, `
			SELECT `+codeColumns+` FROM oauth_authorization_codes c
			WHERE c.fingerprint = $1
			FOR UPDATE
		`, fp))
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		if scanErr != nil {
			return false, fmt.Errorf("error loading authorization code: %w", scanErr)
		}

		consume := func() error {
			if _, err := tx.Exec(ctx, `DELETE FROM oauth_tokens WHERE fingerprint = $1`, fp); err != nil {
				return fmt.Errorf("error consuming authorization code: %w", err)
			}
			return nil
		}

		if rec.IsExpired(now) {
			if err := consume(); err != nil {
				return false, err
			}
			return true, fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		}

		// A collision leaves the code in place so the caller can retry with fresh tokens.
		taken, err := s.tokensTaken(ctx, tx, exchange.Grant)
		if err != nil {
			return false, err
		}
		if taken {
			return false, fmt.Errorf("%w: token value", storage.ErrDuplicate)
		}

		if err := consume(); err != nil {
			return false, err
		}
		if rec.ClientID != exchange.ClientID {
			return true, storage.ErrClientMismatch
		}
		if rec.RedirectURI != exchange.RedirectURI {
			return true, storage.ErrRedirectMismatch
		}

		grant = storage.GrantFromCode(exchange.Grant, rec)
		if err := s.insertGrant(ctx, tx, grant); err != nil {
			return false, err
		}
		return true, nil
	})

	switch {
	case err == nil:
		return rec, grant.Clone(), nil
	case errors.Is(err, storage.ErrClientMismatch), errors.Is(err, storage.ErrRedirectMismatch):
		return rec, nil, err
	default:
		return nil, nil, err
	}
}

// tokensTaken reports whether the grant's id or any of its token values is
// already in use.
func (s *Store) tokensTaken(ctx context.Context, tx pgx.Tx, g *storage.Grant) (bool, error) {
	fps := []string{s.protector.Fingerprint(g.AccessToken)}
	if g.HasRefreshToken() {
		fps = append(fps, s.protector.Fingerprint(g.RefreshToken))
	}

	var taken bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM oauth_tokens WHERE fingerprint = ANY($1))
		    OR EXISTS (SELECT 1 FROM oauth_grants WHERE id = $2)
	`, fps, g.ID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("error checking token uniqueness: %w", err)
	}
	return taken, nil
}
