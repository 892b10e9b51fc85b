package server

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DatabaseType represents the type of database behind a DSN.
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgres"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

// DetectDatabaseType determines the database type from a DSN string.
func DetectDatabaseType(dsn string) DatabaseType {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DatabaseTypePostgreSQL
	}
	return DatabaseTypeSQLite
}

type sessionRow struct {
	bun.BaseModel `bun:"table:sessions"`

	SID    string    `bun:"sid,pk"`
	Sess   string    `bun:"sess,notnull"`
	Expire time.Time `bun:"expire,notnull"`
}

type userRow struct {
	bun.BaseModel `bun:"table:users"`

	ID               string    `bun:"id,pk"`
	Email            string    `bun:"email,nullzero"`
	Username         string    `bun:"username,nullzero"`
	FirstName        string    `bun:"first_name,nullzero"`
	LastName         string    `bun:"last_name,nullzero"`
	ProfileImageURL  string    `bun:"profile_image_url,nullzero"`
	PhoneNumber      string    `bun:"phone_number,nullzero"`
	PhoneCountryCode string    `bun:"phone_country_code,nullzero"`
	PasswordHash     string    `bun:"password_hash,nullzero"`
	SignupLatitude   *float64  `bun:"signup_latitude"`
	SignupLongitude  *float64  `bun:"signup_longitude"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	UpdatedAt        time.Time `bun:"updated_at,notnull"`
}

func (r userRow) toUser() User {
	return User{
		ID:               r.ID,
		Email:            r.Email,
		Username:         r.Username,
		FirstName:        r.FirstName,
		LastName:         r.LastName,
		ProfileImageURL:  r.ProfileImageURL,
		PhoneNumber:      r.PhoneNumber,
		PhoneCountryCode: r.PhoneCountryCode,
		PasswordHash:     r.PasswordHash,
		SignupLatitude:   r.SignupLatitude,
		SignupLongitude:  r.SignupLongitude,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func userRowFrom(u User) userRow {
	return userRow{
		ID:               u.ID,
		Email:            strings.ToLower(strings.TrimSpace(u.Email)),
		Username:         u.Username,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		ProfileImageURL:  u.ProfileImageURL,
		PhoneNumber:      u.PhoneNumber,
		PhoneCountryCode: u.PhoneCountryCode,
		PasswordHash:     u.PasswordHash,
		SignupLatitude:   u.SignupLatitude,
		SignupLongitude:  u.SignupLongitude,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

// DBStore persists sessions and users in PostgreSQL or SQLite through bun.
type DBStore struct {
	db *bun.DB
}

// OpenDBStore connects to the database behind dsn and applies pending migrations.
func OpenDBStore(ctx context.Context, dsn string) (*DBStore, error) {
	var (
		db      *bun.DB
		dialect string
		err     error
	)
	switch DetectDatabaseType(dsn) {
	case DatabaseTypePostgreSQL:
		db, err = newPostgreSQLDB(ctx, dsn)
		dialect = "postgres"
	default:
		db, err = newSQLiteDB(ctx, dsn)
		dialect = "sqlite3"
	}
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &DBStore{db: db}, nil
}

func newPostgreSQLDB(ctx context.Context, dsn string) (*bun.DB, error) {
	connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
	sqldb := sql.OpenDB(connector)
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(25)

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newSQLiteDB(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single writer; also keeps an in-memory database alive on one connection.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB, dialect string) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// GetSession returns a live session; expired rows are treated as missing.
func (s *DBStore) GetSession(ctx context.Context, id string) (Session, bool, error) {
	var row sessionRow
	err := s.db.NewSelect().
		Model(&row).
		Where("sid = ?", id).
		Where("expire > ?", time.Now().UTC()).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("select session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(row.Sess), &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	sess.ID = row.SID
	sess.ExpiresAt = row.Expire
	return sess, true, nil
}

// SaveSession inserts or replaces the session row.
func (s *DBStore) SaveSession(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	row := sessionRow{SID: sess.ID, Sess: string(payload), Expire: sess.ExpiresAt.UTC()}
	_, err = s.db.NewInsert().
		Model(&row).
		On("CONFLICT (sid) DO UPDATE").
		Set("sess = EXCLUDED.sess").
		Set("expire = EXCLUDED.expire").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes the session row.
func (s *DBStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*sessionRow)(nil)).Where("sid = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneSessions deletes rows whose expiry passed.
func (s *DBStore) PruneSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.NewDelete().Model((*sessionRow)(nil)).Where("expire <= ?", now.UTC()).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertUser inserts the user or refreshes the provider-managed columns.
func (s *DBStore) UpsertUser(ctx context.Context, u User) error {
	now := time.Now().UTC()
	row := userRowFrom(u)
	row.CreatedAt = now
	row.UpdatedAt = now
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("profile_image_url = EXCLUDED.profile_image_url").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// CreateUser inserts a new account and maps unique violations to ErrUserExists.
func (s *DBStore) CreateUser(ctx context.Context, u User) error {
	now := time.Now().UTC()
	row := userRowFrom(u)
	row.CreatedAt = now
	row.UpdatedAt = now
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *DBStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.findUser(ctx, "id = ?", id)
}

// FindUserByPhone looks a user up by phone number.
func (s *DBStore) FindUserByPhone(ctx context.Context, countryCode, phone string) (User, error) {
	return s.findUser(ctx, "phone_country_code = ? AND phone_number = ?", countryCode, phone)
}

// FindUserByEmail looks a user up by lower-cased email.
func (s *DBStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *DBStore) findUser(ctx context.Context, where string, args ...any) (User, error) {
	var row userRow
	err := s.db.NewSelect().Model(&row).Where(where, args...).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("select user: %w", err)
	}
	return row.toUser(), nil
}

// Close closes the database connection.
func (s *DBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
