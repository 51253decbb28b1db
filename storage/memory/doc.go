// Package memory provides an in-memory implementation of storage.GrantStore.
//
// All records live in maps guarded by a single sync.RWMutex, which makes
// every store primitive trivially atomic. It is suitable for development,
// testing and single-instance deployments where persistence is not required.
//
// Features:
//   - O(1) lookup by code, access token and refresh token
//   - (contextId, userId) index for enumeration and bulk revocation
//   - Injected clock for deterministic expiry
//   - OpenTelemetry spans, operation metrics and size gauges
//
// Expired records are evicted lazily on read and by storage.Sweeper.
//
// Example usage:
//
//	store := memory.New()
//	sweeper := storage.NewSweeper(store, storage.DefaultSweepInterval, logger)
//	sweeper.Start(ctx)
//	defer sweeper.Stop()
//
//	srv, _ := server.New(store, registry, server.DefaultConfig(), logger)
//
// For multi-instance deployments use storage/valkey or storage/postgres.
package memory
