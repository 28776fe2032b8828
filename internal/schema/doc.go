// Package schema defines the records kept in the local store: restaurants,
// reviews and queued outbox entries.
package schema
