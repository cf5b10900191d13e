package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrationsDir is where the run archive schema lives.
const DefaultMigrationsDir = "file://migrations"

// Migrate moves the run archive schema up or down. steps limits how many
// migrations are applied; zero applies all of them. An already current
// schema is not an error.
func Migrate(dir, dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("postgres dsn is empty")
	}
	if dir == "" {
		dir = DefaultMigrationsDir
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("unknown migration direction %q", direction)
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	switch {
	case steps > 0 && direction == "down":
		err = m.Steps(-steps)
	case steps > 0:
		err = m.Steps(steps)
	case direction == "down":
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
