package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS molecules (
	split     TEXT    NOT NULL,
	idx       INTEGER NOT NULL,
	charges   TEXT    NOT NULL,
	positions TEXT    NOT NULL,
	targets   TEXT    NOT NULL,
	PRIMARY KEY (split, idx)
)`

// ReadSQLite loads every split from the molecules table of a SQLite file.
func ReadSQLite(path string) (map[string]*Split, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}
	defer db.Close()

	rows, err := db.Query(`SELECT split, idx, charges, positions, targets FROM molecules ORDER BY split, idx`)
	if err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}
	defer rows.Close()

	splits := make(map[string]*Split)
	for rows.Next() {
		var name, charges, positions, targets string
		var idx int
		if err := rows.Scan(&name, &idx, &charges, &positions, &targets); err != nil {
			return nil, &ResourceError{Path: path, Err: err}
		}

		var m Molecule
		if err := json.Unmarshal([]byte(charges), &m.Charges); err != nil {
			return nil, &FormatError{Path: path, Record: idx, Reason: "charges: " + err.Error()}
		}
		if err := json.Unmarshal([]byte(positions), &m.Positions); err != nil {
			return nil, &FormatError{Path: path, Record: idx, Reason: "positions: " + err.Error()}
		}
		if err := json.Unmarshal([]byte(targets), &m.Targets); err != nil {
			return nil, &FormatError{Path: path, Record: idx, Reason: "targets: " + err.Error()}
		}

		split, ok := splits[name]
		if !ok {
			split = &Split{Name: name}
			splits[name] = split
		}
		split.Molecules = append(split.Molecules, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}

	return splits, nil
}

// WriteSQLite stores every split in a fresh SQLite file.
func WriteSQLite(path string, splits map[string]*Split) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO molecules (split, idx, charges, positions, targets) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, split := range splits {
		for i, m := range split.Molecules {
			charges, _ := json.Marshal(m.Charges)
			positions, _ := json.Marshal(m.Positions)
			targets, err := json.Marshal(m.Targets)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to encode targets: %w", err)
			}
			if _, err := stmt.Exec(name, i, string(charges), string(positions), string(targets)); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to insert molecule: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
