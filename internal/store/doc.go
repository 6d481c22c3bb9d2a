// Package store persists login records and store metadata in SQLite.
package store
