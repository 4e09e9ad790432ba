// Package types defines the core data structures shared across kiln's
// storage, view, key/value, pub/sub, and wire layers.
//
// # Core Types
//
// Identity and sessions:
//   - Session: connection-scoped authentication context
//   - Identity, Permissions: the principal and its granted Actions
//
// Key/value:
//   - Value, Numeric, KVEntry: the tagged value stored under a KV key
//
// Pub/Sub:
//   - Message: one published payload on a topic
//
// Administration:
//   - User, Role, Database: the minimal admin-collection documents
//     authentication and database-registry rebuilding need
package types
