// Package identity implements chatd's credential store: users and the
// direct messages exchanged between them.
//
// It defines the Store boundary consumed by the realtime layer and ships
// three implementations: InMemoryStore (dev/tests), SQLiteStore and
// PostgresStore. Driver errors are mapped onto *StoreError values carrying
// one of the Err* kinds, so callers never inspect driver types.
package identity
