// Package dedupe provides a bounded, time-limited set of keys. The
// conversation orchestrator uses it as a tombstone list for message ids it
// has asked the backend to delete.
package dedupe
