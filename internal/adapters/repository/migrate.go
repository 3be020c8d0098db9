package repository

import (
	"context"
	"database/sql"
	"fmt"
)

type migration func(ctx context.Context, tx *sql.Tx) error

// migrations run in order; the index is the schema version.
var migrations = []migration{
	// v0: scores, revisions, submissions and key/value state.
	func(ctx context.Context, tx *sql.Tx) error {
		stmts := []struct{ name, sql string }{
			{"miner_scores", `create table miner_scores (
				uid integer primary key,
				hotkey text not null,
				raw_score real not null,
				normalized_score real not null,
				updated_at integer not null
			)`},
			{"score_revisions", `create table score_revisions (
				uid integer not null,
				namespace text not null,
				revision text not null,
				hotkey text not null,
				updated_at integer not null,
				primary key (uid, namespace)
			)`},
			{"competition_submissions", `create table competition_submissions (
				competition_id text not null,
				uid integer not null,
				hotkey text not null,
				coldkey text not null,
				block integer not null,
				timestamp integer not null,
				namespace text not null,
				revision text not null,
				loss real,
				is_eligible integer not null default 0,
				primary key (competition_id, uid)
			)`},
			{"validator_state", `create table validator_state (
				k text primary key,
				v text not null
			)`},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.sql); err != nil {
				return fmt.Errorf("error creating '%s' table: %w", s.name, err)
			}
		}
		return nil
	},
	// v1: winner queries scan a competition-day by loss.
	func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `create index competition_submissions_loss
			on competition_submissions (competition_id, loss)`)
		return err
	},
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	version := -1
	row := db.QueryRowContext(ctx, "select version from schema_version order by version desc limit 1")
	if err := row.Scan(&version); err != nil && err != sql.ErrNoRows {
		return -1, fmt.Errorf("error checking database version: %w", err)
	}
	return version, nil
}

// migrate brings the schema to the latest version, one transaction per step.
func migrate(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, "create table if not exists schema_version (version integer)"); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrMigration, err)
	}
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrMigration, err)
	}
	for idx := version + 1; idx < len(migrations); idx++ {
		if err := applyMigration(ctx, db, idx); err != nil {
			return version, fmt.Errorf("%w: v%d: %w", ErrMigration, idx, err)
		}
		version = idx
	}
	return version, nil
}

func applyMigration(ctx context.Context, db *sql.DB, idx int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := migrations[idx](ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "insert into schema_version (version) values (?)", idx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
