// Package store declares the persistence contract for scraper run history.
// The in-process registry holds live state; the store keeps what survives a
// restart.
package store
