// Package store persists mailbox sessions and the seen-message ledger in
// SQLite. It is the only state shared across poller workers; ClaimMessage
// is the synchronization primitive that keeps delivery effectively-once.
package store
