// Package storage implements the durable stores for users, contacts,
// probes, and tracker points on PostgreSQL.
package storage

import "errors"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert violates a uniqueness
// constraint (duplicate email, user name, or probe id).
var ErrAlreadyExists = errors.New("already exists")
