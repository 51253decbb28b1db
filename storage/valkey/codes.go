package valkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// Authorization codes
// ============================================================

// PutCode stores a new authorization code with a native TTL
func (s *Store) PutCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.track(ctx, "put_code")
	defer func() { done(err) }()

	if err = storage.ValidateCode(code); err != nil {
		return err
	}

	data, err := s.encodeCode(code)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutCode).
			Numkeys(1).
			Key(s.codeKey(code.Code)).
			Arg(data,
				strconv.FormatInt(ttlMillis(now, code.ExpiresAt), 10),
				strconv.FormatInt(now.UnixMilli(), 10),
				s.prefix,
				s.protector.Fingerprint(code.Code)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	switch result {
	case "OK":
		s.logger.Debug("Saved authorization code",
			"code_prefix", util.TokenPrefix(code.Code),
			"client_id", code.ClientID)
		return nil
	case "DUPLICATE":
		err = fmt.Errorf("%w: authorization code", storage.ErrDuplicate)
		return err
	default:
		err = fmt.Errorf("unexpected put code result %q", result)
		return err
	}
}

// TakeCode atomically retrieves and deletes an authorization code using GETDEL
func (s *Store) TakeCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.track(ctx, "take_code")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
			return nil, err
		}
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}

	rec, err := decodeCode(code, data)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.clock.Now()) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		return nil, err
	}
	return rec, nil
}

// ExchangeCode consumes a code and installs the grant built from it in one script
func (s *Store) ExchangeCode(ctx context.Context, exchange storage.CodeExchange) (_ *storage.AuthorizationCode, _ *storage.Grant, err error) {
	ctx, done := s.track(ctx, "exchange_code")
	defer func() { done(err) }()

	if err = storage.ValidateExchange(exchange); err != nil {
		return nil, nil, err
	}

	template, err := s.encodeGrant(exchange.Grant)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaExchangeCode).
			Numkeys(1).
			Key(s.codeKey(exchange.Code)).
			Arg(strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
				exchange.ClientID,
				exchange.RedirectURI,
				template,
				strconv.FormatInt(s.grantTTL(exchange.Grant), 10),
				s.prefix).
			Build(),
	).ToString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute code exchange: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		err = fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		return nil, nil, err
	case result == "EXPIRED":
		err = fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
		return nil, nil, err
	case result == "DUPLICATE":
		err = fmt.Errorf("%w: token value", storage.ErrDuplicate)
		return nil, nil, err
	case strings.HasPrefix(result, "CLIENT_MISMATCH:"):
		rec, decodeErr := decodeCode(exchange.Code, strings.TrimPrefix(result, "CLIENT_MISMATCH:"))
		if decodeErr != nil {
			s.logger.Warn("Failed to decode mismatched authorization code", "error", decodeErr)
		}
		err = storage.ErrClientMismatch
		return rec, nil, err
	case strings.HasPrefix(result, "REDIRECT_MISMATCH:"):
		rec, decodeErr := decodeCode(exchange.Code, strings.TrimPrefix(result, "REDIRECT_MISMATCH:"))
		if decodeErr != nil {
			s.logger.Warn("Failed to decode mismatched authorization code", "error", decodeErr)
		}
		err = storage.ErrRedirectMismatch
		return rec, nil, err
	}

	rec, err := decodeCode(exchange.Code, result)
	if err != nil {
		return nil, nil, err
	}
	return rec, storage.GrantFromCode(exchange.Grant, rec), nil
}
