package verification

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-self-verifier/storage"
)

const (
	DataKey      = "verificationData"
	TimestampKey = "verificationTimestamp"

	ValidityWindow = 24 * time.Hour
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Cache keeps the most recent verification record in a single slot of the
// store, together with the instant it was written.
//
// Writers are not coordinated: when two controllers share a store the last
// write wins.
type Cache struct {
	store storage.Store
	clock Clock
}

func NewCache(store storage.Store, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cache{store: store, clock: clock}
}

// Store overwrites the cached record and stamps the write time.
// Failures are logged and returned, and leave the cache as it was: when the
// timestamp cannot be written the previous record is put back.
func (c *Cache) Store(record Record) error {
	encoded, err := Encode(record)
	if err != nil {
		slog.Error("Failed to store verification data", "error", err)
		return err
	}

	previous, hadPrevious, err := c.rawData()
	if err != nil {
		slog.Error("Failed to store verification data", "key", DataKey, "error", err)
		return fmt.Errorf("failed to read %s: %w", DataKey, err)
	}

	if err := c.store.SetItem(DataKey, encoded); err != nil {
		slog.Error("Failed to store verification data", "key", DataKey, "error", err)
		return fmt.Errorf("failed to write %s: %w", DataKey, err)
	}

	if err := c.store.SetItem(TimestampKey, FormatTimestamp(c.clock.Now())); err != nil {
		slog.Error("Failed to store verification timestamp", "key", TimestampKey, "error", err)
		c.restoreData(previous, hadPrevious)
		return fmt.Errorf("failed to write %s: %w", TimestampKey, err)
	}

	slog.Debug("Verification data stored", "user_id", record.UserID)
	return nil
}

func (c *Cache) rawData() (string, bool, error) {
	raw, err := c.store.GetItem(DataKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

func (c *Cache) restoreData(previous string, hadPrevious bool) {
	var err error
	if hadPrevious {
		err = c.store.SetItem(DataKey, previous)
	} else {
		err = c.store.RemoveItem(DataKey)
	}
	if err != nil {
		slog.Error("Failed to restore previous verification data", "key", DataKey, "error", err)
	}
}

// Load returns the cached record. Missing or corrupt data reads as absent.
func (c *Cache) Load() (Record, bool) {
	encoded, err := c.store.GetItem(DataKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Error("Failed to retrieve verification data", "error", err)
		}
		return Record{}, false
	}

	record, err := Decode(encoded)
	if err != nil {
		slog.Error("Failed to retrieve verification data", "error", err)
		return Record{}, false
	}
	return record, true
}

// IsFresh reports whether the last write happened less than 24 hours ago.
func (c *Cache) IsFresh() bool {
	storedAt, ok := c.storedAt()
	if !ok {
		return false
	}
	return c.clock.Now().Sub(storedAt) < ValidityWindow
}

// ValidUntil is the instant at which the cached record goes stale.
func (c *Cache) ValidUntil() (time.Time, bool) {
	storedAt, ok := c.storedAt()
	if !ok {
		return time.Time{}, false
	}
	return storedAt.Add(ValidityWindow), true
}

// Clear drops both keys. Removing keys that are not there is fine.
func (c *Cache) Clear() {
	for _, key := range []string{DataKey, TimestampKey} {
		if err := c.store.RemoveItem(key); err != nil {
			slog.Error("Failed to clear verification data", "key", key, "error", err)
		}
	}
}

func (c *Cache) storedAt() (time.Time, bool) {
	raw, err := c.store.GetItem(TimestampKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Error("Failed to check verification validity", "error", err)
		}
		return time.Time{}, false
	}

	storedAt, err := ParseTimestamp(raw)
	if err != nil {
		slog.Error("Failed to check verification validity", "error", err)
		return time.Time{}, false
	}
	return storedAt, true
}
