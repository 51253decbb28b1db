// Package valkey provides a Valkey implementation of storage.GrantStore.
//
// Valkey is a key-value store that is wire-compatible with Redis. This
// backend suits deployments that run several grant managers against shared
// state and need records to survive restarts.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Token values never
// appear in key names; {fp} is the storage.Protector fingerprint of a token.
//
//	{prefix}code:{fp}         -> JSON(code)            PX until code expiry
//	{prefix}grant:{id}        -> JSON(grant)           PX for access-only grants
//	{prefix}access:{fp}       -> grant id              same TTL as the grant
//	{prefix}refresh:{fp}      -> grant id
//	{prefix}subject:{digest}  -> SET of grant ids for one (contextId, userId)
//
// Token values inside grant JSON are sealed with AES-256-GCM bound to the
// grant id when Config.Keys carries an encryption key.
//
// # Atomic Operations
//
// Every multi-key mutation runs as one Lua script:
//
//   - PutCode / PutGrant: collision check and insert
//   - ExchangeCode: consume code, verify binding, install grant
//   - ReplaceGrant: compare refresh token, retire old pair, install new pair
//   - DeleteBy*, DeleteAllFor: remove grants together with all their indexes
//
// TakeCode uses GETDEL. Scripts derive secondary key names from the prefix,
// so the store requires a single Valkey primary (no cluster mode).
//
// Expiry decisions use the injected clock; native TTLs only bound memory use.
// storage.Sweeper prunes records the clock considers expired and subject-set
// members whose grant has gone.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oauth:",
//	    Keys:      keys, // security.DeriveKeys(master)
//	})
package valkey
