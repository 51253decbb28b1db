package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"

	grantColumns = `g.id, g.client_id, g.context_id, g.user_id, g.scope, g.access_token, g.refresh_token, g.issued_at, g.refreshed_at, g.expires_at`
)

func (s *Store) scanGrant(row pgx.Row) (*storage.Grant, error) {
	var (
		g           storage.Grant
		sc, access  string
		refresh     *string
		refreshedAt *time.Time
	)
	if err := row.Scan(&g.ID, &g.ClientID, &g.ContextID, &g.UserID, &sc, &access, &refresh, &g.IssuedAt, &refreshedAt, &g.ExpiresAt); err != nil {
		return nil, err
	}

	parsed, err := scope.ParseString(sc)
	if err != nil {
		return nil, fmt.Errorf("stored grant has invalid scope: %w", err)
	}
	g.Scope = parsed

	if g.AccessToken, err = s.protector.Open(access, g.ID); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if refresh != nil {
		if g.RefreshToken, err = s.protector.Open(*refresh, g.ID); err != nil {
			return nil, fmt.Errorf("failed to open refresh token: %w", err)
		}
	}

	g.IssuedAt = g.IssuedAt.UTC()
	g.ExpiresAt = g.ExpiresAt.UTC()
	if refreshedAt != nil {
		g.RefreshedAt = refreshedAt.UTC()
	}
	return &g, nil
}

// sealedGrant holds the column values derived from a grant's tokens.
type sealedGrant struct {
	access, refresh     string
	accessFP, refreshFP string
}

func (s *Store) seal(g *storage.Grant) (sealedGrant, error) {
	var out sealedGrant
	var err error
	if out.access, err = s.protector.Seal(g.AccessToken, g.ID); err != nil {
		return out, fmt.Errorf("failed to seal access token: %w", err)
	}
	if out.refresh, err = s.protector.Seal(g.RefreshToken, g.ID); err != nil {
		return out, fmt.Errorf("failed to seal refresh token: %w", err)
	}
	out.accessFP = s.protector.Fingerprint(g.AccessToken)
	if g.HasRefreshToken() {
		out.refreshFP = s.protector.Fingerprint(g.RefreshToken)
	}
	return out, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) insertGrant(ctx context.Context, tx pgx.Tx, g *storage.Grant) error {
	sealed, err := s.seal(g)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO oauth_grants
			(id, client_id, context_id, user_id, scope, access_token, refresh_token,
			 access_fp, refresh_fp, issued_at, refreshed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, g.ID, g.ClientID, g.ContextID, g.UserID, g.Scope.String(), sealed.access, nullString(sealed.refresh),
		sealed.accessFP, nullString(sealed.refreshFP), g.IssuedAt, nullTime(g.RefreshedAt), g.ExpiresAt); err != nil {
		return mapError(err, "error inserting grant")
	}

	if err := insertToken(ctx, tx, sealed.accessFP, kindAccess, g.ID); err != nil {
		return err
	}
	if sealed.refreshFP != "" {
		if err := insertToken(ctx, tx, sealed.refreshFP, kindRefresh, g.ID); err != nil {
			return err
		}
	}
	return nil
}

func insertToken(ctx context.Context, tx pgx.Tx, fp, kind, grantID string) error {
	if _, err := tx.Exec(ctx, `INSERT INTO oauth_tokens (fingerprint, kind, grant_id) VALUES ($1, $2, $3)`, fp, kind, grantID); err != nil {
		return mapError(err, "error inserting "+kind+" token fingerprint")
	}
	return nil
}

// PutGrant stores a new grant
func (s *Store) PutGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, done := s.track(ctx, "put_grant")
	defer func() { done(err) }()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		if err := s.insertGrant(ctx, tx, grant); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// ReplaceGrant rotates the token pair of a grant if oldRefreshToken is still live.
// The refresh fingerprint row and the grant row are locked together, so
// concurrent rotations with the same refresh token serialize and the losers
// find the fingerprint gone.
func (s *Store) ReplaceGrant(ctx context.Context, oldRefreshToken string, newGrant *storage.Grant) (err error) {
	ctx, done := s.track(ctx, "replace_grant")
	defer func() { done(err) }()

	if err = storage.ValidateGrant(newGrant); err != nil {
		return err
	}

	sealed, err := s.seal(newGrant)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) (bool, error) {
		var clientID, contextID, userID, oldAccessFP string
		var oldRefreshFP *string
		scanErr := tx.QueryRow(ctx, `
			SELECT g.client_id, g.context_id, g.user_id, g.access_fp, g.refresh_fp
			FROM oauth_tokens t JOIN oauth_grants g ON g.id = t.grant_id
			WHERE t.fingerprint = $1 AND t.kind = 'refresh' AND g.id = $2
			FOR UPDATE OF t, g
		`, s.protector.Fingerprint(oldRefreshToken), newGrant.ID).Scan(&clientID, &contextID, &userID, &oldAccessFP, &oldRefreshFP)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, storage.ErrStaleRefreshToken
		}
		if scanErr != nil {
			return false, fmt.Errorf("error loading grant: %w", scanErr)
		}

		if clientID != newGrant.ClientID || contextID != newGrant.ContextID || userID != newGrant.UserID {
			return false, fmt.Errorf("%w: replacement must keep client and subject", storage.ErrInvalidInput)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM oauth_tokens
			WHERE grant_id = $1
			  AND NOT ((fingerprint = $2 AND kind = 'access') OR (fingerprint = $3 AND kind = 'refresh'))
		`, newGrant.ID, sealed.accessFP, sealed.refreshFP); err != nil {
			return false, fmt.Errorf("error retiring old tokens: %w", err)
		}

		if sealed.accessFP != oldAccessFP {
			if err := insertToken(ctx, tx, sealed.accessFP, kindAccess, newGrant.ID); err != nil {
				return false, err
			}
		}
		if sealed.refreshFP != "" && (oldRefreshFP == nil || sealed.refreshFP != *oldRefreshFP) {
			if err := insertToken(ctx, tx, sealed.refreshFP, kindRefresh, newGrant.ID); err != nil {
				return false, err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE oauth_grants
			SET scope = $2, access_token = $3, refresh_token = $4, access_fp = $5, refresh_fp = $6,
			    issued_at = $7, refreshed_at = $8, expires_at = $9
			WHERE id = $1
		`, newGrant.ID, newGrant.Scope.String(), sealed.access, nullString(sealed.refresh), sealed.accessFP,
			nullString(sealed.refreshFP), newGrant.IssuedAt, nullTime(newGrant.RefreshedAt), newGrant.ExpiresAt); err != nil {
			return false, fmt.Errorf("error updating grant: %w", err)
		}
		return true, nil
	})
	return err
}

// FindByAccessToken returns the live grant owning accessToken
func (s *Store) FindByAccessToken(ctx context.Context, accessToken string) (_ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_by_access_token")
	defer func() { done(err) }()

	grant, err := s.findBy(ctx, kindAccess, accessToken)
	return grant, err
}

// FindByRefreshToken returns the grant owning refreshToken
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_by_refresh_token")
	defer func() { done(err) }()

	grant, err := s.findBy(ctx, kindRefresh, refreshToken)
	return grant, err
}

func (s *Store) findBy(ctx context.Context, kind, token string) (*storage.Grant, error) {
	grant, err := s.scanGrant(s.pool.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM oauth_tokens t JOIN oauth_grants g ON g.id = t.grant_id
		WHERE t.fingerprint = $1 AND t.kind = $2
	`, s.protector.Fingerprint(token), kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading grant: %w", err)
	}

	now := s.clock.Now()
	if !grant.IsLive(now) {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM oauth_grants WHERE id = $1 AND refresh_fp IS NULL AND expires_at <= $2
		`, grant.ID, now); err != nil {
			s.logger.Warn("Failed to evict expired grant", "grant_id", grant.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: grant expired", storage.ErrNotFound)
	}
	return grant, nil
}

// FindAllFor returns every live grant of the subject, oldest first
func (s *Store) FindAllFor(ctx context.Context, contextID, userID string) (_ []*storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_all_for")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+grantColumns+`
		FROM oauth_grants g
		WHERE g.context_id = $1 AND g.user_id = $2
		  AND (g.refresh_fp IS NOT NULL OR g.expires_at > $3)
		ORDER BY g.issued_at, g.id
	`, contextID, userID, s.clock.Now())
	if err != nil {
		err = fmt.Errorf("error listing grants: %w", err)
		return nil, err
	}
	defer rows.Close()

	var grants []*storage.Grant
	for rows.Next() {
		g, scanErr := s.scanGrant(rows)
		if scanErr != nil {
			err = fmt.Errorf("error scanning grant: %w", scanErr)
			return nil, err
		}
		grants = append(grants, g)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("error listing grants: %w", err)
		return nil, err
	}
	return grants, nil
}

// DeleteByAccessToken removes the grant owning accessToken
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_by_access_token")
	defer func() { done(err) }()

	removed, err := s.deleteBy(ctx, kindAccess, accessToken)
	return removed, err
}

// DeleteByRefreshToken removes the grant owning refreshToken
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_by_refresh_token")
	defer func() { done(err) }()

	removed, err := s.deleteBy(ctx, kindRefresh, refreshToken)
	return removed, err
}

// deleteBy removes the grant behind token and reports whether it was live.
func (s *Store) deleteBy(ctx context.Context, kind, token string) (bool, error) {
	var live bool
	err := s.pool.QueryRow(ctx, `
		DELETE FROM oauth_grants g USING oauth_tokens t
		WHERE t.fingerprint = $1 AND t.kind = $2 AND g.id = t.grant_id
		RETURNING (g.refresh_fp IS NOT NULL OR g.expires_at > $3)
	`, s.protector.Fingerprint(token), kind, s.clock.Now()).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error deleting grant: %w", err)
	}
	return live, nil
}

// DeleteAllFor removes every grant of the subject issued to clientID in one statement
func (s *Store) DeleteAllFor(ctx context.Context, clientID, contextID, userID string) (_ int, err error) {
	ctx, done := s.track(ctx, "delete_all_for")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_grants WHERE client_id = $1 AND context_id = $2 AND user_id = $3
	`, clientID, contextID, userID)
	if err != nil {
		err = fmt.Errorf("error deleting grants: %w", err)
		return 0, err
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Debug("Revoked grants for subject",
			"client_id", clientID,
			"context_id", contextID,
			"count", n)
	}
	return n, nil
}

// SweepExpired removes expired codes and expired access-token-only grants
func (s *Store) SweepExpired(ctx context.Context) (res storage.SweepResult, err error) {
	ctx, done := s.track(ctx, "sweep_expired")
	defer func() { done(err) }()

	now := s.clock.Now()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_tokens t USING oauth_authorization_codes c
		WHERE c.fingerprint = t.fingerprint AND c.expires_at <= $1
	`, now)
	if err != nil {
		err = fmt.Errorf("error sweeping codes: %w", err)
		return res, err
	}
	res.Codes = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM oauth_grants WHERE refresh_fp IS NULL AND expires_at <= $1
	`, now)
	if err != nil {
		err = fmt.Errorf("error sweeping grants: %w", err)
		return res, err
	}
	res.Grants = int(tag.RowsAffected())
	return res, nil
}
