package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("kvstore.unsupported_dialect")

	errSQLiteEmptyPath     = errors.New("kvstore.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("kvstore.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("kvstore.unsupported_no_scheme")
)

const (
	entryKindHash   = "hash"
	entryKindString = "string"
)

// DatabaseStore emulates the Store contract on a SQL table through GORM.
// Expired rows are invisible to reads and purged on writes.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type kvEntryRecord struct {
	StoreKey    string `gorm:"column:store_key;primaryKey"`
	Kind        string `gorm:"column:kind;not null"`
	Value       string `gorm:"column:value;not null;default:''"`
	ExpiresAtMS int64  `gorm:"column:expires_at_ms;index;not null"`
}

func (kvEntryRecord) TableName() string {
	return "kv_entries"
}

// NewDatabaseStore opens the database behind a postgres:// or sqlite:// URL and migrates the table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("kvstore.database.open: %w", ErrEmptyURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("kvstore.database.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&kvEntryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("kvstore.database.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         time.Now,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

func (store *DatabaseStore) HashSet(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) error {
	nowMS := store.now().UnixMilli()
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if purgeErr := tx.Where("expires_at_ms <= ?", nowMS).Delete(&kvEntryRecord{}).Error; purgeErr != nil {
			return purgeErr
		}
		merged := make(map[string]string, len(fields))
		var existing kvEntryRecord
		takeErr := tx.Where("store_key = ? AND kind = ?", key, entryKindHash).Take(&existing).Error
		switch {
		case takeErr == nil:
			if decodeErr := json.Unmarshal([]byte(existing.Value), &merged); decodeErr != nil {
				merged = make(map[string]string, len(fields))
			}
		case !errors.Is(takeErr, gorm.ErrRecordNotFound):
			return takeErr
		}
		for name, value := range fields {
			merged[name] = value
		}
		encoded, encodeErr := json.Marshal(merged)
		if encodeErr != nil {
			return encodeErr
		}
		record := kvEntryRecord{
			StoreKey:    key,
			Kind:        entryKindHash,
			Value:       string(encoded),
			ExpiresAtMS: expiresAt.UnixMilli(),
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("kvstore.database.hash_set.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (store *DatabaseStore) HashUpdate(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) (bool, error) {
	nowMS := store.now().UnixMilli()
	updated := false
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing kvEntryRecord
		takeErr := tx.Where("store_key = ? AND kind = ? AND expires_at_ms > ?", key, entryKindHash, nowMS).Take(&existing).Error
		if errors.Is(takeErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if takeErr != nil {
			return takeErr
		}
		merged := make(map[string]string)
		if decodeErr := json.Unmarshal([]byte(existing.Value), &merged); decodeErr != nil {
			merged = make(map[string]string, len(fields))
		}
		for name, value := range fields {
			merged[name] = value
		}
		encoded, encodeErr := json.Marshal(merged)
		if encodeErr != nil {
			return encodeErr
		}
		updates := map[string]interface{}{"value": string(encoded)}
		if !expiresAt.IsZero() {
			updates["expires_at_ms"] = expiresAt.UnixMilli()
		}
		result := tx.Model(&kvEntryRecord{}).Where("store_key = ?", key).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		updated = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("kvstore.database.hash_update.%s: %w", store.driverLabel, err)
	}
	return updated, nil
}

func (store *DatabaseStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	nowMS := store.now().UnixMilli()
	fields := make(map[string]string)
	var record kvEntryRecord
	err := store.db.WithContext(ctx).Where("store_key = ? AND kind = ? AND expires_at_ms > ?", key, entryKindHash, nowMS).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fields, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore.database.hash_get_all.%s: %w", store.driverLabel, err)
	}
	if decodeErr := json.Unmarshal([]byte(record.Value), &fields); decodeErr != nil {
		return nil, fmt.Errorf("kvstore.database.hash_get_all.%s: %w: %v", store.driverLabel, ErrCorruptRecord, decodeErr)
	}
	return fields, nil
}

func (store *DatabaseStore) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	now := store.now()
	acquired := false
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if purgeErr := tx.Where("store_key = ? AND expires_at_ms <= ?", key, now.UnixMilli()).Delete(&kvEntryRecord{}).Error; purgeErr != nil {
			return purgeErr
		}
		record := kvEntryRecord{
			StoreKey:    key,
			Kind:        entryKindString,
			Value:       value,
			ExpiresAtMS: now.Add(ttl).UnixMilli(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("kvstore.database.set_if_absent.%s: %w", store.driverLabel, err)
	}
	return acquired, nil
}

func (store *DatabaseStore) DeleteIfValue(ctx context.Context, key string, value string) (bool, error) {
	result := store.db.WithContext(ctx).
		Where("store_key = ? AND kind = ? AND value = ? AND expires_at_ms > ?", key, entryKindString, value, store.now().UnixMilli()).
		Delete(&kvEntryRecord{})
	if result.Error != nil {
		return false, fmt.Errorf("kvstore.database.delete_if_value.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *DatabaseStore) Delete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("store_key = ?", key).Delete(&kvEntryRecord{}).Error; err != nil {
		return fmt.Errorf("kvstore.database.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (store *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("kvstore.database.ping.%s: %w", store.driverLabel, err)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("kvstore.database.ping.%s: %w", store.driverLabel, pingErr)
	}
	return nil
}

func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.database.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("kvstore.database.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("kvstore.database.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("kvstore.database.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
