// Package store holds the in-memory prototype snapshot. It provides a
// thread-safe, whole-set store with TTL expiry metadata and a size guard that
// rejects oversized replacements while leaving the current snapshot intact.
//
// The store never evicts on its own: an expired snapshot stays readable until
// the repository replaces it. Replacement is all-or-nothing; the new record set
// is built outside the lock and swapped in under it, so readers see either the
// previous set or the new one, never a mix.
package store
