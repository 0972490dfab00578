package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors returned by repositories.
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a concurrent writer created the row first.
	ErrConflict = errors.New("record already exists")
)

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
