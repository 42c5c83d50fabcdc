package database

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/pulsekit/glitchtrace-agent/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS toas(
	  id           INTEGER PRIMARY KEY,
	  batch_id     TEXT    NOT NULL,
	  mjd_tdb      REAL    NOT NULL,
	  delay_s      REAL    NOT NULL,
	  observatory  TEXT,
	  received_utc INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_toas_batch ON toas(batch_id);
	CREATE INDEX IF NOT EXISTS idx_toas_mjd   ON toas(mjd_tdb);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateTOA(toa models.TOA) error {
	if toa.MJD <= 0 {
		return fmt.Errorf("MJD must be positive")
	}
	if math.IsNaN(toa.MJD) || math.IsInf(toa.MJD, 0) {
		return fmt.Errorf("MJD must be finite")
	}
	if math.IsNaN(toa.Delay) || math.IsInf(toa.Delay, 0) {
		return fmt.Errorf("delay must be finite")
	}
	return nil
}

func (d *Database) InsertTOAs(batchID string, toas []models.TOA) error {
	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`INSERT INTO toas(batch_id, mjd_tdb, delay_s, observatory, received_utc) VALUES(?,?,?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	received := time.Now().UTC().Unix()
	for _, toa := range toas {
		if err := d.ValidateTOA(toa); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid TOA: %w", err)
		}
		if _, err := statement.Exec(batchID, toa.MJD, toa.Delay, toa.Observatory, received); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTOAs returns every stored TOA in insertion order.
func (d *Database) ListTOAs() ([]models.TOA, error) {
	rows, err := d.db.Query(`SELECT mjd_tdb, delay_s, observatory FROM toas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query TOAs: %w", err)
	}
	defer rows.Close()

	var toas []models.TOA
	for rows.Next() {
		var toa models.TOA
		if err := rows.Scan(&toa.MJD, &toa.Delay, &toa.Observatory); err != nil {
			return nil, fmt.Errorf("failed to scan TOA: %w", err)
		}
		toas = append(toas, toa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read TOAs: %w", err)
	}
	return toas, nil
}

func (d *Database) CountTOAs() (int, error) {
	var count int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM toas`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count TOAs: %w", err)
	}
	return count, nil
}
