// Package api hosts the HTTP handlers of the meeting REST surface.
//
// Handler coordinates request validation and response shaping while
// delegating persistence to a storage.Repository, chunk files to a
// capture.ChunkStore and merges to a capture.Engine, all injected at
// construction time. The package does not reach for globals and expects
// callers to supply fully configured dependencies.
//
// Handlers assume the middleware assembled by internal/server already
// applies request ids, logging, metrics and rate limiting.
package api
