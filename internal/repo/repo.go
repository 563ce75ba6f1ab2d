// Package repo is the gorm persistence layer: the write-side catalog, the outbox,
// the projector's view writer and the query side's reader and cache.
package repo

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned by point lookups when no row exists.
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock is returned when a versioned update lost the race.
	ErrOptimisticLock = errors.New("optimistic lock conflict")
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
