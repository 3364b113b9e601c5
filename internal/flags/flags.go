// Package flags implements the launch-control flags of §6: a small set of
// live-reloadable switches backed by the FlagRecord table, cached in
// memory and refreshed on a short poll so a flag flip takes effect across
// the cluster within one poll interval without restarting any process.
package flags

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/store"
)

const (
	EmergencyStop   = "EMERGENCY_STOP"
	ReadonlyMode    = "READONLY_MODE"
	MaintenanceMode = "MAINTENANCE_MODE"
)

const pollInterval = 5 * time.Second

// Cache is an RWMutex-guarded snapshot of FlagRecord, refreshed by Start.
type Cache struct {
	db *gorm.DB

	mu        sync.RWMutex
	bools     map[string]bool
	ints      map[string]int
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds a Cache with an empty snapshot; call Start to begin polling.
func New(db *gorm.DB) *Cache {
	return &Cache{
		db:    db,
		bools: map[string]bool{},
		ints:  map[string]int{},
	}
}

// Start performs an initial synchronous load, then refreshes the snapshot
// every pollInterval until Stop is called.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.reload(ctx); err != nil {
		return err
	}

	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	go c.loop(ctx)
	return nil
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.stoppedCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reload(ctx); err != nil {
				log.Warn().Err(err).Msg("flags: reload failed, keeping stale snapshot")
			}
		}
	}
}

// Stop halts the polling loop and waits for it to exit.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.stoppedCh
}

func (c *Cache) reload(ctx context.Context) error {
	var records []store.FlagRecord
	if err := c.db.WithContext(ctx).Find(&records).Error; err != nil {
		return err
	}

	bools := make(map[string]bool, len(records))
	ints := make(map[string]int, len(records))
	for _, r := range records {
		bools[r.Name] = r.BoolValue
		ints[r.Name] = r.IntValue
	}

	c.mu.Lock()
	c.bools = bools
	c.ints = ints
	c.mu.Unlock()
	return nil
}

// Bool returns the current value of a boolean flag, false if unset.
func (c *Cache) Bool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bools[name]
}

// Int returns the current value of an integer cap flag, 0 if unset.
func (c *Cache) Int(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ints[name]
}

// EmergencyStopped reports whether EMERGENCY_STOP refuses all commands.
func (c *Cache) EmergencyStopped() bool { return c.Bool(EmergencyStop) }

// ReadOnly reports whether READONLY_MODE refuses writes.
func (c *Cache) ReadOnly() bool { return c.Bool(ReadonlyMode) }

// MaintenanceOnly reports whether MAINTENANCE_MODE refuses non-admin
// commands.
func (c *Cache) MaintenanceOnly() bool { return c.Bool(MaintenanceMode) }

// Set writes a boolean flag's value, upserting the FlagRecord row. The
// change becomes visible to all cluster members within pollInterval.
// gorm's plain Save issues an UPDATE when the primary key is non-zero,
// which silently affects zero rows the first time a flag is set, so this
// upserts on the Name conflict instead and only touches BoolValue.
func (c *Cache) Set(ctx context.Context, name string, value bool) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"bool_value", "updated_at"}),
	}).Create(&store.FlagRecord{Name: name, BoolValue: value, UpdatedAt: time.Now()}).Error
}

// SetInt writes an integer cap flag's value, upserting the FlagRecord row
// without disturbing that row's BoolValue.
func (c *Cache) SetInt(ctx context.Context, name string, value int) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"int_value", "updated_at"}),
	}).Create(&store.FlagRecord{Name: name, IntValue: value, UpdatedAt: time.Now()}).Error
}
