package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qvint/kmsd/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_machine_id TEXT PRIMARY KEY,
	application_id    TEXT NOT NULL,
	sku_id            TEXT NOT NULL,
	license_status    INTEGER NOT NULL,
	last_activation   INTEGER NOT NULL,
	request_count     INTEGER NOT NULL DEFAULT 0,
	machine_name      TEXT NOT NULL
);
`

// SQLite is a Store backed by a SQLite database file, matching the client
// history table the stock deployment keeps.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary creates) the history database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, id wire.GUID) (*ClientRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_machine_id, application_id, sku_id, license_status, last_activation, request_count, machine_name
		FROM clients WHERE client_machine_id = ?`, id.String())
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert inserts or refreshes a client row. Rows only move forward in time:
// an upsert carrying an older last_activation than the stored row is a no-op.
func (s *SQLite) Upsert(ctx context.Context, rec ClientRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_machine_id, application_id, sku_id, license_status, last_activation, request_count, machine_name)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(client_machine_id) DO UPDATE SET
			application_id  = excluded.application_id,
			sku_id          = excluded.sku_id,
			license_status  = excluded.license_status,
			last_activation = excluded.last_activation,
			request_count   = clients.request_count + 1,
			machine_name    = excluded.machine_name
		WHERE excluded.last_activation >= clients.last_activation`,
		rec.ClientMachineID.String(), rec.ApplicationID.String(), rec.SKUID.String(),
		rec.LicenseStatus, int64(rec.LastActivation), rec.MachineName)
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", rec.ClientMachineID, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]ClientRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_machine_id, application_id, sku_id, license_status, last_activation, request_count, machine_name
		FROM clients ORDER BY last_activation DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(...any) error) (*ClientRecord, error) {
	var rec ClientRecord
	var cmid, appID, skuID string
	var lastActivation int64
	if err := scan(&cmid, &appID, &skuID, &rec.LicenseStatus, &lastActivation, &rec.RequestCount, &rec.MachineName); err != nil {
		return nil, err
	}
	var err error
	if rec.ClientMachineID, err = wire.ParseGUID(cmid); err != nil {
		return nil, fmt.Errorf("store: corrupt client_machine_id %q: %w", cmid, err)
	}
	if rec.ApplicationID, err = wire.ParseGUID(appID); err != nil {
		return nil, fmt.Errorf("store: corrupt application_id %q: %w", appID, err)
	}
	if rec.SKUID, err = wire.ParseGUID(skuID); err != nil {
		return nil, fmt.Errorf("store: corrupt sku_id %q: %w", skuID, err)
	}
	rec.LastActivation = uint64(lastActivation)
	return &rec, nil
}
