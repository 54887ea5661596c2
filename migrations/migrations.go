// Package migrations embeds the schema and applies it with goose.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Command names accepted by Run
const (
	CommandUp      = "up"
	CommandDown    = "down"
	CommandStatus  = "status"
	CommandVersion = "version"
)

func setup(table string) error {
	goose.SetBaseFS(FS)
	if table != "" {
		goose.SetTableName(table)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration
func Up(db *sql.DB, table string) error {
	return Run(db, table, CommandUp)
}

// Run executes a goose command against db using the embedded files
func Run(db *sql.DB, table, command string) error {
	if err := setup(table); err != nil {
		return err
	}

	var err error
	switch command {
	case CommandUp:
		err = goose.Up(db, ".")
	case CommandDown:
		err = goose.Down(db, ".")
	case CommandStatus:
		err = goose.Status(db, ".")
	case CommandVersion:
		err = goose.Version(db, ".")
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}
