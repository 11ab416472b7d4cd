// Package storage persists the user registry as a single unit and keeps an
// append-only audit log of privileged actions.
//
// Drivers:
//   - "file":   JSON document (<path>) + JSON Lines audit (<prefix>.audit.jsonl)
//   - "sqlite": SQLite database file (users + audit tables)
//
// The registry is always read and written whole. Store wraps a driver and
// never lets a persistence failure reach the caller: reads degrade to an empty
// registry and failed writes are logged.
package storage
