package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/turnstiledev/turnstile/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Store persists principals. SQLite is the default backend; Postgres and
// MySQL are available for shared deployments.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// NewStore creates a SQLite-backed store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "turnstile.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open(DriverSQLite, dsn)
}

// Open connects to the store selected by driver and runs migrations.
func Open(driver, dsn string) (*Store, error) {
	var (
		sqlDriver string
		err       error
	)
	switch driver {
	case DriverSQLite, "":
		driver, sqlDriver = DriverSQLite, "sqlite"
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverMySQL:
		sqlDriver = "mysql"
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open principal store: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := &Store{db: db, dialect: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate principal store: %w", err)
	}
	return s, nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time, and
// found-rows so an UPDATE that matches but changes nothing is not ErrNotFound.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the store driver name.
func (s *Store) Dialect() string {
	return s.dialect
}

// ---------------------------------------------------------------------------
// Principal CRUD
// ---------------------------------------------------------------------------

// principalRow maps 1:1 to the principals table. Permissions are kept as a
// JSON array in a text column so every dialect stores them the same way.
type principalRow struct {
	ID              string     `db:"id"`
	Email           string     `db:"email"`
	Name            string     `db:"name"`
	Role            string     `db:"role"`
	PermissionsJSON string     `db:"permissions_json"`
	PasswordHash    string     `db:"password_hash"`
	IsActive        bool       `db:"is_active"`
	LastLoginAt     *time.Time `db:"last_login_at"`
	LastActivityAt  *time.Time `db:"last_activity_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func principalRowFromModel(p *model.Principal) (principalRow, error) {
	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return principalRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	return principalRow{
		ID:              p.ID,
		Email:           p.Email,
		Name:            p.Name,
		Role:            string(p.Role),
		PermissionsJSON: string(b),
		PasswordHash:    p.PasswordHash,
		IsActive:        p.IsActive,
		LastLoginAt:     p.LastLoginAt,
		LastActivityAt:  p.LastActivityAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}, nil
}

func (r principalRow) toModel() (*model.Principal, error) {
	var perms []string
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return nil, fmt.Errorf("unmarshal permissions for %s: %w", r.ID, err)
		}
	}
	if perms == nil {
		perms = []string{}
	}
	return &model.Principal{
		ID:             r.ID,
		Email:          r.Email,
		Name:           r.Name,
		Role:           model.Role(r.Role),
		Permissions:    perms,
		PasswordHash:   r.PasswordHash,
		IsActive:       r.IsActive,
		LastLoginAt:    r.LastLoginAt,
		LastActivityAt: r.LastActivityAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// NormalizeEmail trims and lower-cases a login identifier.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreatePrincipal inserts a new principal. The ID (UUIDv7), CreatedAt and
// UpdatedAt fields on p are populated before the insert.
func (s *Store) CreatePrincipal(ctx context.Context, p *model.Principal) error {
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate principal id: %w", err)
		}
		p.ID = id.String()
	}
	p.Email = NormalizeEmail(p.Email)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	row, err := principalRowFromModel(p)
	if err != nil {
		return err
	}

	const q = `INSERT INTO principals
		(id, email, name, role, permissions_json, password_hash, is_active, created_at, updated_at)
		VALUES
		(:id, :email, :name, :role, :permissions_json, :password_hash, :is_active, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("principal %s: %w", p.Email, ErrConflict)
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

// GetPrincipal returns a principal by ID.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*model.Principal, error) {
	return s.getPrincipal(ctx, "SELECT * FROM principals WHERE id = ?", id)
}

// GetPrincipalByEmail returns a principal by login identifier.
func (s *Store) GetPrincipalByEmail(ctx context.Context, email string) (*model.Principal, error) {
	return s.getPrincipal(ctx, "SELECT * FROM principals WHERE email = ?", NormalizeEmail(email))
}

func (s *Store) getPrincipal(ctx context.Context, q string, arg interface{}) (*model.Principal, error) {
	var row principalRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return row.toModel()
}

// ListPrincipals returns all principals ordered by email.
func (s *Store) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	var rows []principalRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM principals ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	out := make([]model.Principal, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// HasAnyPrincipal reports whether at least one principal exists. This is used
// for first-run detection.
func (s *Store) HasAnyPrincipal(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM principals"); err != nil {
		return false, fmt.Errorf("count principals: %w", err)
	}
	return count > 0, nil
}

// UpdatePermissions replaces the explicit permission grants of a principal.
func (s *Store) UpdatePermissions(ctx context.Context, id string, perms []string) error {
	if perms == nil {
		perms = []string{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	return s.exec(ctx, "update permissions",
		"UPDATE principals SET permissions_json = ?, updated_at = ? WHERE id = ?",
		string(b), time.Now().UTC(), id)
}

// SetActive enables or disables a principal.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, "set active",
		"UPDATE principals SET is_active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().UTC(), id)
}

// SetPasswordHash replaces a principal's bcrypt hash.
func (s *Store) SetPasswordHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, "set password",
		"UPDATE principals SET password_hash = ?, updated_at = ? WHERE id = ?",
		hash, time.Now().UTC(), id)
}

// TouchLastLogin sets last_login_at (and last_activity_at) for a principal.
func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.exec(ctx, "touch last login",
		"UPDATE principals SET last_login_at = ?, last_activity_at = ? WHERE id = ?",
		at, at, id)
}

// TouchLastActivity sets last_activity_at for a principal.
func (s *Store) TouchLastActivity(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "touch last activity",
		"UPDATE principals SET last_activity_at = ? WHERE id = ?",
		at.UTC(), id)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
