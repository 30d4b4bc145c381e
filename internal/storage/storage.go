// Package storage persists administrative blocks and runtime settings in
// sqlite through gorm.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SystemOwner owns blocks created without a human caller (config seeding,
// CLI, automated escalation). Unban always clears SystemOwner rows.
const SystemOwner = "system"

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("not found")

// Block is a durable administrative block. (Owner, IP) is unique.
type Block struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Owner     string    `gorm:"uniqueIndex:idx_block_owner_ip;not null" json:"owner"`
	IP        string    `gorm:"uniqueIndex:idx_block_owner_ip;index;not null" json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `gorm:"index" json:"blockedAt"`
	Method    string    `json:"method"`
}

// Setting is a key/value row for runtime settings such as the policy.
type Setting struct {
	Name      string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// AppliedBan records the firewall methods holding a temporary ban, so the
// rules can be removed after the ban key expires, even across restarts.
type AppliedBan struct {
	IP        string `gorm:"primaryKey"`
	Methods   string
	UpdatedAt time.Time
}

// BlockStore persists administrative blocks.
type BlockStore interface {
	// SaveBlock inserts b or updates reason, method and time of the existing
	// (owner, ip) row.
	SaveBlock(ctx context.Context, b Block) error
	// DeleteBlock removes the (owner, ip) row. ErrNotFound if none.
	DeleteBlock(ctx context.Context, owner, ip string) error
	// FindBlocks returns every row for ip, across owners.
	FindBlocks(ctx context.Context, ip string) ([]Block, error)
	// ListBlocks returns every row, newest first.
	ListBlocks(ctx context.Context) ([]Block, error)
}

// SettingsStore persists string settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// AppliedBanStore tracks temporary bans with physical rules.
type AppliedBanStore interface {
	// SaveAppliedBan inserts or replaces the row of b.IP.
	SaveAppliedBan(ctx context.Context, b AppliedBan) error
	// DeleteAppliedBan removes the row of ip. A missing row is not an error.
	DeleteAppliedBan(ctx context.Context, ip string) error
	ListAppliedBans(ctx context.Context) ([]AppliedBan, error)
}

// DB implements BlockStore, AppliedBanStore and SettingsStore.
type DB struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Block{}, &AppliedBan{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *DB) SaveBlock(ctx context.Context, b Block) error {
	if b.BlockedAt.IsZero() {
		b.BlockedAt = time.Now().UTC()
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "blocked_at", "method"}),
	}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("failed to save block %s: %w", b.IP, err)
	}
	return nil
}

func (d *DB) DeleteBlock(ctx context.Context, owner, ip string) error {
	res := d.db.WithContext(ctx).Where("owner = ? AND ip = ?", owner, ip).Delete(&Block{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete block %s: %w", ip, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) FindBlocks(ctx context.Context, ip string) ([]Block, error) {
	var blocks []Block
	if err := d.db.WithContext(ctx).Where("ip = ?", ip).Order("blocked_at DESC").Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	return blocks, nil
}

func (d *DB) ListBlocks(ctx context.Context) ([]Block, error) {
	var blocks []Block
	if err := d.db.WithContext(ctx).Order("blocked_at DESC").Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, nil
}

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var s Setting
	err := d.db.WithContext(ctx).First(&s, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return s.Value, nil
}

func (d *DB) PutSetting(ctx context.Context, key, value string) error {
	s := Setting{Name: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

func (d *DB) SaveAppliedBan(ctx context.Context, b AppliedBan) error {
	b.UpdatedAt = time.Now().UTC()
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"methods", "updated_at"}),
	}).Create(&b).Error
	if err != nil {
		return fmt.Errorf("failed to save applied ban %s: %w", b.IP, err)
	}
	return nil
}

func (d *DB) DeleteAppliedBan(ctx context.Context, ip string) error {
	if err := d.db.WithContext(ctx).Where("ip = ?", ip).Delete(&AppliedBan{}).Error; err != nil {
		return fmt.Errorf("failed to delete applied ban %s: %w", ip, err)
	}
	return nil
}

func (d *DB) ListAppliedBans(ctx context.Context) ([]AppliedBan, error) {
	var rows []AppliedBan
	if err := d.db.WithContext(ctx).Order("ip").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list applied bans: %w", err)
	}
	return rows, nil
}
