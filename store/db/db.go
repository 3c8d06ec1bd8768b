// Package db selects the concrete storage driver for a deployment.
package db

import (
	"github.com/pkg/errors"

	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/store"
	"github.com/strayhat/switchboard/store/db/memory"
	"github.com/strayhat/switchboard/store/db/postgres"
	"github.com/strayhat/switchboard/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	case "memory", "":
		driver = memory.NewDB()
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}

	return driver, nil
}
