package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"
)

// Rounds older than this are dropped during maintenance (business rule).
const roundTTL = 72 * time.Hour

// RoundRecord is the outcome of one polling round for one cash machine.
type RoundRecord struct {
	ID            string
	CcmID         string
	Command       string
	IssueID       int64
	Hit           bool
	ErrorCode     int
	StatusMessage string
	StartedAt     time.Time
	Duration      time.Duration
}

// RoundStore keeps a local journal of polling rounds so operators can see
// what the bridge did for a machine without access to the backend.
type RoundStore struct {
	db      *badger.DB
	maxSize int64
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *goeen_log.Logger
}

func NewRoundStore(dir string, maxSizeGB int, logger *goeen_log.Logger) (*RoundStore, error) {
	maxSize := int64(maxSizeGB) * 1024 * 1024 * 1024

	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warningf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20).
		WithMemTableSize(32 << 20).
		WithNumMemtables(3).
		WithNumCompactors(4).
		WithSyncWrites(false).
		WithBlockCacheSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &RoundStore{
		db:      db,
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}

	go store.maintenanceWorker()

	return store, nil
}

// Record appends one round to the journal.
func (s *RoundStore) Record(rec RoundRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// Machine-prefixed key for fast per-machine iteration:
	// "round_<ccmID>_<timestamp>_<id>"
	key := fmt.Sprintf("round_%s_%d_%s", rec.CcmID, rec.StartedAt.UnixNano(), rec.ID)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store round record: %w", err)
	}

	s.logger.Debugf("Recorded round %s for machine %s (%s)", rec.ID, rec.CcmID, rec.Command)
	return nil
}

// RecentForMachine returns up to limit rounds for one machine, oldest first.
// Reading never drains the journal.
func (s *RoundStore) RecentForMachine(ccmID string, limit int) ([]RoundRecord, error) {
	var records []RoundRecord

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("round_%s_", ccmID))
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			item := it.Item()
			var data []byte
			err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			var rec RoundRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return records, nil
}

// DropAll clears the whole journal using badger's DropPrefix. Intended for
// testing and QA resets.
func (s *RoundStore) DropAll() error {
	if err := s.db.DropPrefix([]byte("round_")); err != nil {
		return err
	}
	s.logger.Infof("DROPPED the whole round journal (DATABASE RESET)")
	return nil
}

func (s *RoundStore) maintenanceWorker() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *RoundStore) runMaintenance() {
	s.cleanupByAge()
	s.cleanupBySize()

	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Errorf("Round store value log GC failed: %v", err)
	}
}

func (s *RoundStore) cleanupByAge() {
	now := time.Now()
	var keysToDelete [][]byte

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("round_")); it.ValidForPrefix([]byte("round_")); it.Next() {
			var rec RoundRecord
			if it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }) == nil {
				if now.Sub(rec.StartedAt) > roundTTL {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Age cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Age cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Cleaned up %d rounds older than %v", len(keysToDelete), roundTTL)
		}
	}
}

func (s *RoundStore) cleanupBySize() {
	currentSize := s.getApproximateSize()

	if currentSize > s.maxSize*70/100 && currentSize < s.maxSize*80/100 {
		s.logger.Warningf("Database at 70%% capacity (%d MB / %d MB)", currentSize/1024/1024, s.maxSize/1024/1024)
	}

	if currentSize < s.maxSize*80/100 {
		return
	}

	s.logger.Errorf("Database at 80%% capacity - starting cleanup (%d MB / %d MB)", currentSize/1024/1024, s.maxSize/1024/1024)
	targetSize := s.maxSize * 60 / 100
	var keysToDelete [][]byte

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("round_")); it.ValidForPrefix([]byte("round_")); it.Next() {
			if s.getApproximateSize() <= targetSize {
				break
			}
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Size cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Size cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Size cleanup: deleted %d oldest rounds", len(keysToDelete))
		}
	}
}

func (s *RoundStore) getApproximateSize() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

func (s *RoundStore) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock removes a stale badger lock file left behind by an
// ungraceful shutdown. Safe because deployments run one instance per volume;
// if another process holds the db, Open fails regardless.
func cleanupStaleLock(dir string, logger *goeen_log.Logger) error {
	lockFile := filepath.Join(dir, "LOCK")

	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil
	}

	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	logger.Infof("Successfully removed stale lock file: %s", lockFile)
	return nil
}
