package config

import (
	"fmt"
	"strings"
)

// dialectTypes holds the column types that differ between backends.
type dialectTypes struct {
	text      string
	key       string
	boolean   string
	timestamp string
}

var dialects = map[string]dialectTypes{
	DriverSQLite:   {text: "TEXT", key: "TEXT", boolean: "INTEGER", timestamp: "DATETIME"},
	DriverPostgres: {text: "TEXT", key: "VARCHAR(64)", boolean: "BOOLEAN", timestamp: "TIMESTAMPTZ"},
	DriverMySQL:    {text: "TEXT", key: "VARCHAR(255)", boolean: "TINYINT(1)", timestamp: "DATETIME(6)"},
}

func (s *Store) migrate() error {
	t, ok := dialects[s.dialect]
	if !ok {
		return fmt.Errorf("no migrations for dialect %q", s.dialect)
	}

	trueVal := "1"
	if s.dialect == DriverPostgres {
		trueVal = "TRUE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id ` + t.key + ` PRIMARY KEY,
			email ` + t.key + ` UNIQUE NOT NULL,
			name ` + t.text + ` NOT NULL,
			role VARCHAR(32) NOT NULL,
			permissions_json ` + t.text + ` NOT NULL,
			password_hash ` + t.text + ` NOT NULL,
			is_active ` + t.boolean + ` NOT NULL DEFAULT ` + trueVal + `,
			last_login_at ` + t.timestamp + ` NULL,
			last_activity_at ` + t.timestamp + ` NULL,
			created_at ` + t.timestamp + ` NOT NULL,
			updated_at ` + t.timestamp + ` NOT NULL
		)`,

		`CREATE INDEX idx_principals_role ON principals(role)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running against an existing database hits these; treat them as no-ops.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") ||
				strings.Contains(msg, "already exists") ||
				strings.Contains(msg, "duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
