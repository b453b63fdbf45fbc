package store

import (
	"context"
	"fmt"
	"strings"

	"excursion-sync-service/internal/database"
)

type table struct {
	name    string
	columns string
	indexes []string // "name(col, col)"
}

// Timestamps are unix milliseconds so both drivers round-trip them identically.
var tables = []table{
	{
		name: "records",
		columns: `collection VARCHAR(32) NOT NULL,
			id VARCHAR(64) NOT NULL,
			excursion_id VARCHAR(64) NOT NULL DEFAULT '',
			ref_id VARCHAR(64) NOT NULL DEFAULT '',
			sync_status VARCHAR(16) NOT NULL,
			server_id VARCHAR(64) NULL,
			local_modified_at BIGINT NOT NULL,
			synced_at BIGINT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			server_version BIGINT NULL,
			data MEDIUMTEXT NOT NULL,
			PRIMARY KEY (collection, id)`,
		indexes: []string{
			"idx_records_excursion(collection, excursion_id)",
			"idx_records_ref(collection, ref_id)",
		},
	},
	{
		name: "sync_queue",
		columns: `id VARCHAR(64) NOT NULL PRIMARY KEY,
			seq BIGINT NOT NULL,
			sync_type VARCHAR(32) NOT NULL,
			priority INTEGER NOT NULL,
			entity_type VARCHAR(32) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			excursion_id VARCHAR(64) NOT NULL DEFAULT '',
			payload MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at BIGINT NULL,
			last_error TEXT NULL,
			max_retries INTEGER NOT NULL,
			depends_on TEXT NULL,
			status VARCHAR(16) NOT NULL`,
		indexes: []string{
			"idx_queue_order(priority, seq)",
			"idx_queue_excursion(excursion_id)",
		},
	},
	{
		name: "conflicts",
		columns: `id VARCHAR(64) NOT NULL PRIMARY KEY,
			entity_type VARCHAR(32) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			queue_item_id VARCHAR(64) NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			local_data MEDIUMTEXT NOT NULL,
			server_data MEDIUMTEXT NOT NULL,
			conflict_fields TEXT NOT NULL,
			detected_at BIGINT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolution VARCHAR(16) NULL,
			resolved_at BIGINT NULL,
			resolved_by VARCHAR(64) NULL,
			resolved_data MEDIUMTEXT NULL`,
		indexes: []string{
			"idx_conflicts_resolved(resolved, detected_at)",
		},
	},
	{
		name: "metadata",
		columns: `meta_key VARCHAR(128) NOT NULL PRIMARY KEY,
			meta_value TEXT NOT NULL`,
	},
	{
		name: "media",
		columns: `id VARCHAR(96) NOT NULL PRIMARY KEY,
			excursion_id VARCHAR(64) NOT NULL DEFAULT '',
			capture_id VARCHAR(64) NOT NULL DEFAULT '',
			content_type VARCHAR(128) NOT NULL DEFAULT '',
			data LONGBLOB NOT NULL,
			size BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			uploaded_at BIGINT NULL,
			upload_error TEXT NULL`,
		indexes: []string{
			"idx_media_excursion(excursion_id)",
			"idx_media_pending(uploaded_at, created_at)",
		},
	},
	{
		name: "sync_history",
		columns: `id VARCHAR(64) NOT NULL PRIMARY KEY,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL,
			trigger_source VARCHAR(32) NOT NULL DEFAULT '',
			total_items INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			conflicts_detected INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NULL`,
	},
}

// schemaStatements renders the DDL for a driver. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
func schemaStatements(driver string) []string {
	var stmts []string
	for _, t := range tables {
		cols := t.columns
		if driver == database.DriverMySQL {
			for _, idx := range t.indexes {
				cols += ",\n\t\t\tINDEX " + idx
			}
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t\t%s\n\t\t)", t.name, cols))

		if driver != database.DriverMySQL {
			for _, idx := range t.indexes {
				name, rest, _ := strings.Cut(idx, "(")
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s", name, t.name, rest))
			}
		}
	}
	return stmts
}

func migrate(ctx context.Context, db *database.Database) error {
	for _, stmt := range schemaStatements(db.Driver) {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
