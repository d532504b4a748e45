// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/heartwise/heartwise/internal/profile"
	"github.com/heartwise/heartwise/store"
	"github.com/heartwise/heartwise/store/db/postgres"
	"github.com/heartwise/heartwise/store/db/sqlite"
)

// NewDBDriver creates a new database driver for the configured backend.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", profile.Driver)
	}
}
