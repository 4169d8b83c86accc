// Package spill implements the bus's best-effort overflow store: messages an
// inbox dropped or rejected for capacity are archived here instead of being
// silently lost, keyed by recipient and spill time with bounded retention.
package spill

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/agent-orchestrator/internal/bus"
)

var (
	bucketSpill   = []byte("spill")
	bucketArchive = []byte("spill_archive")
)

// Store is a bbolt-backed bus.Spiller: it persists messages the bus could
// not hold so an operator can inspect or manually replay them, and archives
// them once read so the spill bucket only holds unread overflow.
type Store struct {
	db *bbolt.DB

	mu           sync.Mutex
	writeLatency metric.Float64Histogram
	spilled      metric.Int64Counter
	replayed     metric.Int64Counter
}

// Config tunes the store's on-disk location and retention.
type Config struct {
	Path            string
	RetentionPeriod time.Duration // not stored by Open; Purge takes its retention as an argument
}

// DefaultConfig retains spilled messages for a day.
func DefaultConfig(path string) Config {
	return Config{Path: path, RetentionPeriod: 24 * time.Hour}
}

// entry is the on-disk envelope: the message plus the time it was spilled,
// used for ordering and retention.
type entry struct {
	Message   bus.Message `json:"message"`
	SpilledAt time.Time   `json:"spilled_at"`
}

// Open creates or opens the bbolt database at cfg.Path and ensures its
// buckets exist.
func Open(cfg Config, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spill db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSpill, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spill buckets: %w", err)
	}

	s := &Store{db: db}
	if meter != nil {
		s.writeLatency, _ = meter.Float64Histogram("orch_spill_write_ms")
		s.spilled, _ = meter.Int64Counter("orch_spill_messages_total")
		s.replayed, _ = meter.Int64Counter("orch_spill_replayed_total")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Spill persists msg into the spill bucket under a key ordered by
// recipient then spill time, so a later scan can replay one recipient's
// backlog oldest-first. Implements bus.Spiller.
func (s *Store) Spill(msg bus.Message) error {
	start := time.Now()
	defer func() {
		if s.writeLatency != nil {
			s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
		}
	}()

	e := entry{Message: msg, SpilledAt: time.Now()}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal spilled message: %w", err)
	}

	key := spillKey(msg.Recipient, e.SpilledAt, msg.ID)
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpill).Put(key, data)
	}); err != nil {
		return fmt.Errorf("write spilled message: %w", err)
	}
	if s.spilled != nil {
		s.spilled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(msg.Kind))))
	}
	return nil
}

func spillKey(recipient string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", recipient, at.UnixNano(), id))
}

// Replay returns up to limit spilled messages for recipient, oldest first,
// moving each into the archive bucket so a repeated Replay call does not
// redeliver the same backlog. Callers are expected to re-Send the returned
// messages onto the bus themselves.
func (s *Store) Replay(recipient string, limit int) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bus.Message
	prefix := []byte(recipient + ":")

	err := s.db.Update(func(tx *bbolt.Tx) error {
		spillB := tx.Bucket(bucketSpill)
		archiveB := tx.Bucket(bucketArchive)
		cursor := spillB.Cursor()

		var toDelete [][]byte
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix) && len(out) < limit; k, v = cursor.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			out = append(out, e.Message)
			if err := archiveB.Put(append([]byte(nil), k...), v); err != nil {
				return err
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := spillB.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay spilled messages: %w", err)
	}
	if s.replayed != nil {
		s.replayed.Add(context.Background(), int64(len(out)), metric.WithAttributes(attribute.String("recipient", recipient)))
	}
	return out, nil
}

// Depth reports how many messages are currently spilled for recipient
// (unreplayed backlog size).
func (s *Store) Depth(recipient string) (int, error) {
	prefix := []byte(recipient + ":")
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketSpill).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Purge deletes archived entries spilled more than retention ago, bounding
// the archive bucket's growth.
func (s *Store) Purge(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketArchive)
		cursor := b.Cursor()
		var toDelete [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			if e.SpilledAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// Stats reports bucket sizes for the orchestrator's status surface.
type Stats struct {
	SpillCount   int
	ArchiveCount int
	DBSizeBytes  int64
}

// Stats returns current bucket sizes.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.DBSizeBytes = tx.Size()
		st.SpillCount = tx.Bucket(bucketSpill).Stats().KeyN
		st.ArchiveCount = tx.Bucket(bucketArchive).Stats().KeyN
		return nil
	})
	return st, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
