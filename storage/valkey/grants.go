package valkey

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// Grants
// ============================================================

// PutGrant stores a new grant and its indexes
func (s *Store) PutGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, done := s.track(ctx, "put_grant")
	defer func() { done(err) }()

	if err = storage.ValidateGrant(grant); err != nil {
		return err
	}

	data, err := s.encodeGrant(grant)
	if err != nil {
		return err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutGrant).
			Numkeys(0).
			Arg(data, strconv.FormatInt(s.grantTTL(grant), 10), s.prefix).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}

	switch result {
	case "OK":
		return nil
	case "DUPLICATE":
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
		return err
	default:
		err = fmt.Errorf("unexpected put grant result %q", result)
		return err
	}
}

// ReplaceGrant rotates a grant's token pair if oldRefreshToken is still live
func (s *Store) ReplaceGrant(ctx context.Context, oldRefreshToken string, newGrant *storage.Grant) (err error) {
	ctx, done := s.track(ctx, "replace_grant")
	defer func() { done(err) }()

	if err = storage.ValidateGrant(newGrant); err != nil {
		return err
	}

	data, err := s.encodeGrant(newGrant)
	if err != nil {
		return err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceGrant).
			Numkeys(1).
			Key(s.refreshKey(oldRefreshToken)).
			Arg(data, strconv.FormatInt(s.grantTTL(newGrant), 10), s.prefix).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to replace grant: %w", err)
	}

	switch result {
	case "OK":
		s.logger.Debug("Rotated grant",
			"grant_id", newGrant.ID,
			"old_refresh_prefix", util.TokenPrefix(oldRefreshToken))
		return nil
	case "STALE":
		err = storage.ErrStaleRefreshToken
	case "MISMATCH":
		err = fmt.Errorf("%w: replacement must keep client and subject", storage.ErrInvalidInput)
	case "DUPLICATE":
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
	default:
		err = fmt.Errorf("unexpected replace grant result %q", result)
	}
	return err
}

// FindByAccessToken returns the live grant owning accessToken
func (s *Store) FindByAccessToken(ctx context.Context, accessToken string) (_ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_by_access_token")
	defer func() { done(err) }()

	grant, err := s.findBy(ctx, s.accessKey(accessToken), func(j *grantJSON) bool {
		return j.AccessFP == s.protector.Fingerprint(accessToken)
	})
	return grant, err
}

// FindByRefreshToken returns the grant owning refreshToken
func (s *Store) FindByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_by_refresh_token")
	defer func() { done(err) }()

	grant, err := s.findBy(ctx, s.refreshKey(refreshToken), func(j *grantJSON) bool {
		return j.RefreshFP == s.protector.Fingerprint(refreshToken)
	})
	return grant, err
}

// findBy resolves an index key to its grant. owns guards against the grant
// having been rotated between the two reads.
func (s *Store) findBy(ctx context.Context, indexKey string, owns func(*grantJSON) bool) (*storage.Grant, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(indexKey).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get grant index: %w", err)
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(id)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	grant, j, err := s.decodeGrant(data)
	if err != nil {
		return nil, err
	}
	if !owns(j) {
		return nil, fmt.Errorf("%w: grant", storage.ErrNotFound)
	}
	if !grant.IsLive(s.clock.Now()) {
		return nil, fmt.Errorf("%w: grant expired", storage.ErrNotFound)
	}
	return grant, nil
}

// FindAllFor returns every live grant of the subject, oldest first
func (s *Store) FindAllFor(ctx context.Context, contextID, userID string) (_ []*storage.Grant, err error) {
	ctx, done := s.track(ctx, "find_all_for")
	defer func() { done(err) }()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.subjectKey(contextID, userID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list subject grants: %w", err)
	}
	if len(ids) == 0 {
		return []*storage.Grant{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.grantKey(id)
	}

	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject grants: %w", err)
	}

	now := s.clock.Now()
	result := make([]*storage.Grant, 0, len(values))
	for _, v := range values {
		data, err := v.ToString()
		if err != nil {
			if valkeygo.IsValkeyNil(err) {
				continue // expired natively or removed since SMEMBERS
			}
			return nil, fmt.Errorf("failed to read grant: %w", err)
		}
		grant, _, err := s.decodeGrant(data)
		if err != nil {
			return nil, err
		}
		if grant.IsLive(now) {
			result = append(result, grant)
		}
	}

	slices.SortFunc(result, func(a, b *storage.Grant) int {
		return cmp.Or(a.IssuedAt.Compare(b.IssuedAt), cmp.Compare(a.ID, b.ID))
	})
	return result, nil
}

// DeleteByAccessToken removes the grant owning accessToken
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_by_access_token")
	defer func() { done(err) }()

	removed, err := s.deleteByIndex(ctx, s.accessKey(accessToken))
	return removed, err
}

// DeleteByRefreshToken removes the grant owning refreshToken
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_by_refresh_token")
	defer func() { done(err) }()

	removed, err := s.deleteByIndex(ctx, s.refreshKey(refreshToken))
	return removed, err
}

func (s *Store) deleteByIndex(ctx context.Context, indexKey string) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteByToken).
			Numkeys(1).
			Key(indexKey).
			Arg(strconv.FormatInt(s.clock.Now().UnixMilli(), 10), s.prefix).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete grant: %w", err)
	}
	return n == 1, nil
}

// DeleteAllFor removes every grant of the subject issued to clientID
func (s *Store) DeleteAllFor(ctx context.Context, clientID, contextID, userID string) (_ int, err error) {
	ctx, done := s.track(ctx, "delete_all_for")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaDeleteAllFor).
			Numkeys(1).
			Key(s.subjectKey(contextID, userID)).
			Arg(clientID, s.prefix).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke subject grants: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Revoked grants for subject",
			"client_id", clientID,
			"context_id", contextID,
			"count", n)
	}
	return int(n), nil
}

// ============================================================
// Sweeping
// ============================================================

// SweepExpired removes records the clock considers expired and prunes
// dangling subject-set members
func (s *Store) SweepExpired(ctx context.Context) (res storage.SweepResult, err error) {
	ctx, done := s.track(ctx, "sweep_expired")
	defer func() { done(err) }()

	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)

	err = s.scanKeys(ctx, s.prefix+"code:*", func(key string) error {
		n, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSweepCode).Numkeys(1).Key(key).Arg(now).Build(),
		).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to sweep code: %w", err)
		}
		res.Codes += int(n)
		return nil
	})
	if err != nil {
		return res, err
	}

	err = s.scanKeys(ctx, s.prefix+"grant:*", func(key string) error {
		n, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaSweepGrant).Numkeys(1).Key(key).Arg(now, s.prefix).Build(),
		).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to sweep grant: %w", err)
		}
		res.Grants += int(n)
		return nil
	})
	if err != nil {
		return res, err
	}

	// Grants that expired natively leave their id behind in the subject set.
	err = s.scanKeys(ctx, s.prefix+"subject:*", func(key string) error {
		n, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaPruneSubject).Numkeys(1).Key(key).Arg(s.prefix).Build(),
		).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to prune subject index: %w", err)
		}
		res.Grants += int(n)
		return nil
	})
	return res, err
}
