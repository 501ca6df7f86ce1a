package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Domain errors returned by the store.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")
)

// DatabaseType selects the database backend.
type DatabaseType string

const (
	// DatabaseSQLite uses a local SQLite file (single-node, default).
	DatabaseSQLite DatabaseType = "sqlite"

	// DatabaseMySQL uses an external MySQL server.
	DatabaseMySQL DatabaseType = "mysql"
)

// StoreConfig tells OpenStore where the client database lives.
type StoreConfig struct {
	Type DatabaseType

	// Path is the SQLite database file. Used when Type is sqlite.
	Path string

	// DSN is the MySQL connection string. Used when Type is mysql.
	DSN string
}

// Store persists client records via GORM.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to the client database and migrates the schema.
func OpenStore(cfg StoreConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case DatabaseSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite database path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// SQLite pragmas for better concurrent access:
		// - journal_mode(WAL): Write-Ahead Logging for concurrent readers/single writer
		// - busy_timeout(5000): Wait up to 5 seconds when database is locked
		dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mysql dsn is required")
		}
		dialector = mysql.Open(cfg.DSN)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}

// Exists reports whether a client row exists for mac.
func (s *Store) Exists(ctx context.Context, mac string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&record{}).Where("mac = ?", mac).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check client %s: %w", mac, err)
	}
	return count > 0, nil
}

// Create inserts a new client row. Returns ErrClientExists when the MAC
// is already present.
func (s *Store) Create(ctx context.Context, c *Client) error {
	r, err := toRecord(c)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrClientExists
		}
		return fmt.Errorf("failed to create client %s: %w", c.MAC, err)
	}
	return nil
}

// Get fetches a single client by MAC.
func (s *Store) Get(ctx context.Context, mac string) (*Client, error) {
	var r record
	err := s.db.WithContext(ctx).Where("mac = ?", mac).First(&r).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrClientNotFound)
	}
	return toClient(&r)
}

// List returns all clients ordered by MAC.
func (s *Store) List(ctx context.Context) ([]*Client, error) {
	var rows []record
	if err := s.db.WithContext(ctx).Order("mac").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	out := make([]*Client, 0, len(rows))
	for i := range rows {
		c, err := toClient(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateConfig replaces the config blob for mac.
func (s *Store) UpdateConfig(ctx context.Context, mac string, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode client config: %w", err)
	}
	return s.updateColumn(ctx, mac, "config", string(raw))
}

// UpdateInfo replaces the info blob for mac.
func (s *Store) UpdateInfo(ctx context.Context, mac string, info Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode client info: %w", err)
	}
	return s.updateColumn(ctx, mac, "info", string(raw))
}

// UpdateState replaces the state blob for mac.
func (s *Store) UpdateState(ctx context.Context, mac string, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode client state: %w", err)
	}
	return s.updateColumn(ctx, mac, "state", string(raw))
}

// UpdateIP sets the last-known IP address for mac.
func (s *Store) UpdateIP(ctx context.Context, mac, ip string) error {
	return s.updateColumn(ctx, mac, "ip", ip)
}

// UpdateHostname sets the hostname for mac.
func (s *Store) UpdateHostname(ctx context.Context, mac, hostname string) error {
	return s.updateColumn(ctx, mac, "hostname", hostname)
}

// UpdateArch sets the architecture column for mac.
func (s *Store) UpdateArch(ctx context.Context, mac string, arch Arch) error {
	return s.updateColumn(ctx, mac, "arch", string(arch))
}

// Delete removes the client row for mac.
func (s *Store) Delete(ctx context.Context, mac string) error {
	result := s.db.WithContext(ctx).Where("mac = ?", mac).Delete(&record{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete client %s: %w", mac, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClientNotFound
	}
	return nil
}

// updateColumn writes a single column for mac. MySQL reports only rows
// that actually changed, so a zero count needs an existence check before
// it means the client is missing.
func (s *Store) updateColumn(ctx context.Context, mac, column string, value any) error {
	result := s.db.WithContext(ctx).Model(&record{}).Where("mac = ?", mac).Update(column, value)
	if result.Error != nil {
		return fmt.Errorf("failed to update client %s: %w", mac, result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := s.Exists(ctx, mac)
		if err != nil {
			return err
		}
		if !exists {
			return ErrClientNotFound
		}
	}
	return nil
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or MySQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "Duplicate entry")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
