package server

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/internal/util"
	"github.com/giantswarm/oauth-grants/scope"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Token type names used in audit events and metrics.
const (
	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
)

// GrantView is the per-client aggregation of a subject's grants.
type GrantView struct {
	ClientID string
	// Scope is the union of the scopes of every live grant of the client.
	Scope scope.Scope
	// LatestGrantDate is the most recent IssuedAt among those grants.
	LatestGrantDate time.Time
}

// GenerateAuthorizationCodeFor issues a single-use authorization code bound to
// the client, redirect URI, scope and the session's subject.
func (s *Server) GenerateAuthorizationCodeFor(ctx context.Context, clientID, redirectURI string, sc scope.Scope, sess Session) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.GenerateAuthorizationCodeFor")
	defer span.End()

	const op = "generate_code"

	instrumentation.AddGrantAttributes(span, clientID, sess.ContextID, sess.UserID, sc.String())

	switch {
	case clientID == "":
		return "", s.fail(ctx, span, op, invalidRequest("client id is required"))
	case redirectURI == "":
		return "", s.fail(ctx, span, op, invalidRequest("redirect URI is required"))
	case sess.ContextID == "" || sess.UserID == "":
		return "", s.fail(ctx, span, op, invalidRequest("session must identify a context and a user"))
	case idTooLong(clientID, sess.ContextID, sess.UserID):
		return "", s.fail(ctx, span, op, invalidRequest("identifiers must not exceed %d bytes", storage.MaxIDLength))
	case sc.IsEmpty():
		return "", s.fail(ctx, span, op, newError(KindInvalidScope, "scope is required", nil))
	}

	if err := s.scopes.Validate(sc); err != nil {
		s.Auditor.LogAuthFailure(sess.UserID, clientID, string(KindInvalidScope))
		return "", s.fail(ctx, span, op, newError(KindInvalidScope, "unregistered scope", err))
	}

	if s.clients != nil {
		if err := s.checkClient(ctx, clientID, redirectURI, sc, sess); err != nil {
			return "", s.fail(ctx, span, op, err)
		}
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       sc,
		ContextID:   sess.ContextID,
		UserID:      sess.UserID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.codeTTL()),
	}

	var err error
	for attempt := 1; ; attempt++ {
		if code.Code, err = s.generate(); err != nil {
			return "", s.fail(ctx, span, op, err)
		}

		sctx, cancel := s.storageContext(ctx)
		err = s.store.PutCode(sctx, code)
		cancel()

		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrDuplicate) && attempt < maxGenerationAttempts {
			s.Logger.Debug("Authorization code collision, regenerating", "attempt", attempt)
			continue
		}
		return "", s.fail(ctx, span, op, storageError("storing authorization code", err))
	}

	s.Auditor.LogCodeIssued(sess.ContextID, sess.UserID, clientID, sc.String())
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(span)

	return code.Code, nil
}

// checkClient verifies the redirect URI registration and scope entitlement of
// a registered client.
func (s *Server) checkClient(ctx context.Context, clientID, redirectURI string, sc scope.Scope, sess Session) error {
	sctx, cancel := s.storageContext(ctx)
	client, err := s.clients.GetClient(sctx, clientID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			s.Auditor.LogAuthFailure(sess.UserID, clientID, "unknown_client")
			return newError(KindInvalidRequest, "unknown client", err)
		}
		return storageError("client lookup", err)
	}

	if !client.HasRedirectURI(redirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ContextID: sess.ContextID,
			UserID:    sess.UserID,
			ClientID:  clientID,
		})
		return newError(KindRedirectMismatch, "redirect URI is not registered for the client", nil)
	}

	if !client.Scope.IsEmpty() && !sc.IsSubsetOf(client.Scope) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			ContextID: sess.ContextID,
			UserID:    sess.UserID,
			ClientID:  clientID,
			Details: map[string]any{
				"requested": sc.String(),
				"entitled":  client.Scope.String(),
			},
		})
		return newError(KindInvalidScope, "scope exceeds the client's entitlement", nil)
	}

	return nil
}

// RedeemAuthCode exchanges an authorization code for a new grant.
//
// The code is consumed by the first call that presents it, whatever the
// outcome: a client or redirect mismatch burns the code too, so every later
// call observes ErrInvalidGrant. Consumption and grant creation happen in one
// atomic store step.
func (s *Server) RedeemAuthCode(ctx context.Context, client Client, redirectURI, code string) (*storage.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.RedeemAuthCode")
	defer span.End()

	const op = "redeem_code"

	instrumentation.AddGrantAttributes(span, client.ID, "", "", "")

	switch {
	case client.ID == "":
		return nil, s.fail(ctx, span, op, invalidRequest("client id is required"))
	case idTooLong(client.ID):
		return nil, s.fail(ctx, span, op, invalidRequest("client id must not exceed %d bytes", storage.MaxIDLength))
	case redirectURI == "":
		return nil, s.fail(ctx, span, op, invalidRequest("redirect URI is required"))
	case code == "" || len(code) > storage.MaxTokenLength:
		return nil, s.fail(ctx, span, op, invalidGrant("invalid authorization code"))
	}

	var (
		rec   *storage.AuthorizationCode
		grant *storage.Grant
		err   error
	)
	for attempt := 1; ; attempt++ {
		template, genErr := s.newGrantTemplate()
		if genErr != nil {
			return nil, s.fail(ctx, span, op, genErr)
		}

		sctx, cancel := s.storageContext(ctx)
		rec, grant, err = s.store.ExchangeCode(sctx, storage.CodeExchange{
			Code:        code,
			ClientID:    client.ID,
			RedirectURI: redirectURI,
			Grant:       template,
		})
		cancel()

		if errors.Is(err, storage.ErrDuplicate) && attempt < maxGenerationAttempts {
			s.Logger.Debug("Token collision during code exchange, regenerating", "attempt", attempt)
			continue
		}
		break
	}

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeReuseDetected,
			ClientID: client.ID,
			Details: map[string]any{
				"code_prefix": util.TokenPrefix(code),
			},
		})
		if m := s.metrics(); m != nil {
			m.RecordCodeReuseDetected(ctx)
		}
		s.logSecurityEvent(ctx, security.EventAuthorizationCodeReuseDetected, client.ID,
			"Unknown, expired or consumed authorization code presented",
			"client_id", client.ID,
			"code_prefix", util.TokenPrefix(code))
		return nil, s.fail(ctx, span, op, invalidGrant("authorization code is invalid, expired or already used"))
	case errors.Is(err, storage.ErrClientMismatch):
		s.auditBindingMismatch(ctx, security.EventClientMismatch, client.ID, rec)
		return nil, s.fail(ctx, span, op, newError(KindClientMismatch, "authorization code was issued to another client", nil))
	case errors.Is(err, storage.ErrRedirectMismatch):
		s.auditBindingMismatch(ctx, security.EventInvalidRedirect, client.ID, rec)
		return nil, s.fail(ctx, span, op, newError(KindRedirectMismatch, "redirect URI does not match the authorization request", nil))
	default:
		return nil, s.fail(ctx, span, op, storageError("exchanging authorization code", err))
	}

	instrumentation.AddGrantAttributes(span, "", grant.ContextID, grant.UserID, grant.Scope.String())
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantID, grant.ID))

	s.Auditor.LogTokenIssued(grant.ContextID, grant.UserID, grant.ClientID, grant.Scope.String())
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, grant.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	return grant, nil
}

func (s *Server) auditBindingMismatch(ctx context.Context, eventType, presentedClientID string, rec *storage.AuthorizationCode) {
	event := security.Event{
		Type:     eventType,
		ClientID: presentedClientID,
	}
	if rec != nil {
		event.ContextID = rec.ContextID
		event.UserID = rec.UserID
		event.Details = map[string]any{"issued_to": rec.ClientID}
	}
	s.Auditor.LogEvent(event)
	s.logSecurityEvent(ctx, eventType, presentedClientID,
		"Authorization code redeemed with a mismatched binding",
		"event", eventType,
		"client_id", presentedClientID)
}

// newGrantTemplate mints the credentials of a grant about to be created.
func (s *Server) newGrantTemplate() (*storage.Grant, error) {
	access, err := s.generate()
	if err != nil {
		return nil, err
	}

	var refresh string
	if !s.Config.AccessTokenOnly {
		if refresh, err = s.generate(); err != nil {
			return nil, err
		}
	}

	now := s.now()
	return &storage.Grant{
		ID:           uuid.NewString(),
		AccessToken:  access,
		RefreshToken: refresh,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.Config.accessTokenTTL()),
	}, nil
}

// RedeemRefreshToken mints a new access token for the grant owning
// refreshToken. With rotation enabled the refresh token is replaced as well
// and the presented one stops working in the same atomic step.
//
// A refresh token that lost a rotation race, or was already rotated, fails
// with ErrInvalidGrant wrapping ErrStaleRefreshToken.
func (s *Server) RedeemRefreshToken(ctx context.Context, client Client, refreshToken string) (*storage.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.RedeemRefreshToken")
	defer span.End()

	const op = "redeem_refresh_token"

	instrumentation.AddGrantAttributes(span, client.ID, "", "", "")

	switch {
	case client.ID == "":
		return nil, s.fail(ctx, span, op, invalidRequest("client id is required"))
	case idTooLong(client.ID):
		return nil, s.fail(ctx, span, op, invalidRequest("client id must not exceed %d bytes", storage.MaxIDLength))
	case refreshToken == "" || len(refreshToken) > storage.MaxTokenLength:
		return nil, s.fail(ctx, span, op, invalidGrant("invalid refresh token"))
	}

	sctx, cancel := s.storageContext(ctx)
	current, err := s.store.FindByRefreshToken(sctx, refreshToken)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logSecurityEvent(ctx, security.EventUnknownRefreshToken, client.ID,
				"Unknown refresh token presented",
				"client_id", client.ID,
				"token_prefix", util.TokenPrefix(refreshToken))
			return nil, s.fail(ctx, span, op, invalidGrant("refresh token is invalid or revoked"))
		}
		return nil, s.fail(ctx, span, op, storageError("looking up refresh token", err))
	}

	if current.ClientID != client.ID {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientMismatch,
			ContextID: current.ContextID,
			UserID:    current.UserID,
			ClientID:  client.ID,
			Details:   map[string]any{"issued_to": current.ClientID},
		})
		s.logSecurityEvent(ctx, security.EventClientMismatch, client.ID,
			"Refresh token presented by another client",
			"client_id", client.ID)
		return nil, s.fail(ctx, span, op, invalidGrant("refresh token was issued to another client"))
	}

	instrumentation.AddGrantAttributes(span, "", current.ContextID, current.UserID, current.Scope.String())
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantID, current.ID))

	rotate := s.Config.AllowRefreshTokenRotation
	var next *storage.Grant
	for attempt := 1; ; attempt++ {
		next = current.Clone()
		access, genErr := s.generate()
		if genErr != nil {
			return nil, s.fail(ctx, span, op, genErr)
		}
		next.AccessToken = access
		if rotate {
			refresh, genErr := s.generate()
			if genErr != nil {
				return nil, s.fail(ctx, span, op, genErr)
			}
			next.RefreshToken = refresh
		}
		now := s.now()
		next.RefreshedAt = now
		next.ExpiresAt = now.Add(s.Config.accessTokenTTL())

		sctx, cancel := s.storageContext(ctx)
		err = s.store.ReplaceGrant(sctx, refreshToken, next)
		cancel()

		if errors.Is(err, storage.ErrDuplicate) && attempt < maxGenerationAttempts {
			s.Logger.Debug("Token collision during refresh, regenerating", "attempt", attempt)
			continue
		}
		break
	}

	if err != nil {
		if errors.Is(err, storage.ErrStaleRefreshToken) {
			s.Auditor.LogRefreshTokenReplay(current.ContextID, current.UserID, current.ClientID)
			if m := s.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			s.logSecurityEvent(ctx, security.EventRefreshTokenReuseDetected, client.ID,
				"Stale refresh token presented",
				"client_id", client.ID,
				"token_prefix", util.TokenPrefix(refreshToken))
			return nil, s.fail(ctx, span, op, newError(KindInvalidGrant, "refresh token is no longer valid", storage.ErrStaleRefreshToken))
		}
		return nil, s.fail(ctx, span, op, storageError("rotating grant", err))
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	s.Auditor.LogTokenRefreshed(next.ContextID, next.UserID, next.ClientID, rotate)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, next.ClientID, rotate)
	}
	instrumentation.SetSpanSuccess(span)

	return next, nil
}

// GetGrantByAccessToken returns the grant owning accessToken. Unknown and
// expired access tokens both yield ErrInvalidGrant.
func (s *Server) GetGrantByAccessToken(ctx context.Context, accessToken string) (*storage.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "server.GetGrantByAccessToken")
	defer span.End()

	const op = "get_grant"

	if accessToken == "" || len(accessToken) > storage.MaxTokenLength {
		return nil, s.fail(ctx, span, op, invalidGrant("invalid access token"))
	}

	sctx, cancel := s.storageContext(ctx)
	grant, err := s.store.FindByAccessToken(sctx, accessToken)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.fail(ctx, span, op, invalidGrant("access token is invalid or revoked"))
		}
		return nil, s.fail(ctx, span, op, storageError("looking up access token", err))
	}

	// Refresh-bearing grants outlive their access token in the store.
	if grant.IsAccessTokenExpired(s.now()) {
		return nil, s.fail(ctx, span, op, invalidGrant("access token has expired"))
	}

	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.ContextID, grant.UserID, grant.Scope.String())
	instrumentation.SetSpanSuccess(span)

	return grant, nil
}

// RevokeByAccessToken deletes the whole grant owning accessToken and reports
// whether one existed. Revoking an unknown token is not an error.
func (s *Server) RevokeByAccessToken(ctx context.Context, accessToken string) (bool, error) {
	return s.revoke(ctx, TokenTypeAccess, accessToken, s.store.DeleteByAccessToken)
}

// RevokeByRefreshToken deletes the whole grant owning refreshToken and
// reports whether one existed.
func (s *Server) RevokeByRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	return s.revoke(ctx, TokenTypeRefresh, refreshToken, s.store.DeleteByRefreshToken)
}

func (s *Server) revoke(ctx context.Context, tokenType, token string, del func(context.Context, string) (bool, error)) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()

	const op = "revoke_token"

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, tokenType))

	if token == "" || len(token) > storage.MaxTokenLength {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRevoked, false))
		instrumentation.SetSpanSuccess(span)
		return false, nil
	}

	sctx, cancel := s.storageContext(ctx)
	revoked, err := del(sctx, token)
	cancel()
	if err != nil {
		return false, s.fail(ctx, span, op, storageError("revoking "+tokenType, err))
	}

	if revoked {
		s.Auditor.LogTokenRevoked(tokenType)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, tokenType, revoked)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrRevoked, revoked))
	instrumentation.SetSpanSuccess(span)

	return revoked, nil
}

// GetGrants folds the subject's live grants into one GrantView per client,
// most recently authorized client first.
func (s *Server) GetGrants(ctx context.Context, contextID, userID string) (iter.Seq[GrantView], error) {
	ctx, span := s.tracer.Start(ctx, "server.GetGrants")
	defer span.End()

	const op = "get_grants"

	instrumentation.AddGrantAttributes(span, "", contextID, userID, "")

	if contextID == "" || userID == "" {
		return nil, s.fail(ctx, span, op, invalidRequest("context id and user id are required"))
	}
	if idTooLong(contextID, userID) {
		return nil, s.fail(ctx, span, op, invalidRequest("identifiers must not exceed %d bytes", storage.MaxIDLength))
	}

	sctx, cancel := s.storageContext(ctx)
	grants, err := s.store.FindAllFor(sctx, contextID, userID)
	cancel()
	if err != nil {
		return nil, s.fail(ctx, span, op, storageError("listing grants", err))
	}

	views := aggregateGrants(grants, s.now())

	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrGrantCount, len(grants)))
	instrumentation.SetSpanSuccess(span)

	return slices.Values(views), nil
}

// aggregateGrants groups grants by client. Access-token-only grants past
// their expiry are skipped even if the store has not swept them yet.
func aggregateGrants(grants []*storage.Grant, now time.Time) []GrantView {
	byClient := make(map[string]*GrantView)
	for _, g := range grants {
		if !g.IsLive(now) {
			continue
		}
		v, ok := byClient[g.ClientID]
		if !ok {
			byClient[g.ClientID] = &GrantView{
				ClientID:        g.ClientID,
				Scope:           g.Scope,
				LatestGrantDate: g.IssuedAt,
			}
			continue
		}
		v.Scope = v.Scope.Union(g.Scope)
		if g.IssuedAt.After(v.LatestGrantDate) {
			v.LatestGrantDate = g.IssuedAt
		}
	}

	views := make([]GrantView, 0, len(byClient))
	for _, v := range byClient {
		views = append(views, *v)
	}
	slices.SortFunc(views, func(a, b GrantView) int {
		if c := b.LatestGrantDate.Compare(a.LatestGrantDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return views
}

// RevokeGrants removes every grant of the subject issued to clientID.
// The store applies it all or nothing; a storage failure reports nothing removed.
func (s *Server) RevokeGrants(ctx context.Context, clientID, contextID, userID string) error {
	ctx, span := s.tracer.Start(ctx, "server.RevokeGrants")
	defer span.End()

	const op = "revoke_grants"

	instrumentation.AddGrantAttributes(span, clientID, contextID, userID, "")

	if clientID == "" || contextID == "" || userID == "" {
		return s.fail(ctx, span, op, invalidRequest("client id, context id and user id are required"))
	}
	if idTooLong(clientID, contextID, userID) {
		return s.fail(ctx, span, op, invalidRequest("identifiers must not exceed %d bytes", storage.MaxIDLength))
	}

	sctx, cancel := s.storageContext(ctx)
	count, err := s.store.DeleteAllFor(sctx, clientID, contextID, userID)
	cancel()
	if err != nil {
		return s.fail(ctx, span, op, storageError("revoking grants", err))
	}

	s.Auditor.LogGrantsRevoked(contextID, userID, clientID, count)
	if m := s.metrics(); m != nil {
		m.RecordBulkRevocation(ctx, clientID, count)
	}
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrGrantCount, count))
	instrumentation.SetSpanSuccess(span)

	s.Logger.Info("Revoked grants",
		"client_id", clientID,
		"count", count)

	return nil
}

// TokenFor renders a grant as the token response a token endpoint returns.
func (s *Server) TokenFor(grant *storage.Grant) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  grant.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.ExpiresAt,
	}
	return token.WithExtra(map[string]any{
		"scope":      grant.Scope.String(),
		"expires_in": int64(security.RemainingLifetime(s.now(), grant.ExpiresAt).Seconds()),
	})
}

// idTooLong reports whether any id exceeds what a store accepts.
func idTooLong(ids ...string) bool {
	for _, id := range ids {
		if len(id) > storage.MaxIDLength {
			return true
		}
	}
	return false
}
