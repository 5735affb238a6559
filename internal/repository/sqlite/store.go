// Package sqlite implements the Site Registry, Deployment Ledger and log store on an
// embedded SQLite database through gorm.
package sqlite

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/splax/sitekeeper/internal/repository"
	"github.com/splax/sitekeeper/pkg/crypto"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the goose migration files rooted at their directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Open connects to the database file at path.
func Open(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// single writer keeps read-modify-write transactions serialized
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Repository implements persistence interfaces on SQLite.
type Repository struct {
	db  *gorm.DB
	env *crypto.EnvCipher
}

// New constructs a Repository. A nil cipher stores environment maps unencrypted.
func New(db *gorm.DB, env *crypto.EnvCipher) *Repository {
	return &Repository{db: db, env: env}
}

var (
	_ repository.SiteRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// Close releases the underlying connection.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}
	return err
}
