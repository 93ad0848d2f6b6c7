// Package storage persists lane engine history.
//
// It currently supports:
//   - Periodic stats snapshots (written by the reporter)
//   - Task fault records (written from the engine's fault handler)
package storage
