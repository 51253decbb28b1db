// Package server implements the grant manager of the authorization server.
//
// A Server issues single-use authorization codes, redeems them for grants
// (an access token plus an optional refresh token), rotates grants on
// refresh, answers access token lookups and revokes grants one at a time or
// in bulk per client. Every state transition goes through one atomic
// storage.GrantStore primitive; the Server holds no locks and no grant state,
// so any number of instances may share one store.
//
// Failures are returned as *Error values classified by Kind. Protocol
// failures (ErrInvalidGrant, ErrInvalidScope, ErrRedirectMismatch,
// ErrClientMismatch) are expected and logged at most at Warn level through the
// security event rate limiter. ErrStorage is logged at Error level. Nothing is
// retried internally except credential regeneration after a collision.
//
// Example usage:
//
//	scopes, _ := scope.NewRegistry(scope.Static{Name: "mail.read"})
//	store := memory.New()
//
//	srv, err := server.New(store, scopes, server.DefaultConfig(), logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := srv.GenerateAuthorizationCodeFor(ctx, "c1", "https://app/cb",
//	    scope.MustParse("mail.read"), server.Session{ContextID: "7", UserID: "42"})
//	grant, err := srv.RedeemAuthCode(ctx, server.Client{ID: "c1"}, "https://app/cb", code)
package server
