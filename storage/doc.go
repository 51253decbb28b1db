// Package storage defines the grant store contract used by the grant manager.
//
// A GrantStore holds two kinds of records:
//   - AuthorizationCode: a pending, single-use code bound to a client,
//     redirect URI, scope and subject (context id + user id)
//   - Grant: a live access token, optional refresh token and scope issued
//     to a client on behalf of a subject
//
// Every mutation that must not be observed half-applied is a single store
// primitive: TakeCode, ExchangeCode and ReplaceGrant each have at most one
// winner per code or refresh token, even across processes.
//
// The package also provides the Protector used by persistent backends to
// fingerprint and seal token values, and the Sweeper that periodically
// evicts expired records.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process store for development, tests and single instances
//   - storage/valkey: Valkey/Redis-compatible distributed store
//   - storage/postgres: PostgreSQL store with embedded schema migrations
//
// storage/storagetest holds a conformance suite every implementation runs.
package storage
