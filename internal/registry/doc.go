// Package registry maps handles to engine instances owned by the registry.
//
// Each entry carries its own lock, so a slow operation on one handle never
// delays operations on another. The map lock is only held to insert, look up
// or unlink an entry. Locks are not reentrant: an operation running under
// With must not call back into With for the same handle.
package registry
