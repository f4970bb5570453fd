package bulk

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Resume captures exactly where a paused or stopped-with-resume walk
// should continue: the resource type it was on and the page offset
// within that type (spec.md §4.10: "continues from (type, offset)").
type Resume struct {
	Type    string    `json:"type"`
	Offset  int       `json:"offset"`
	SavedAt time.Time `json:"savedAt"`
}

// CheckpointStore persists and retrieves a single Resume checkpoint per
// server. Orchestrator never holds more than one live checkpoint.
type CheckpointStore interface {
	Save(serverID string, resume Resume) error
	Load(serverID string) (*Resume, error)
	Clear(serverID string) error
}

const checkpointBucket = "bulk_checkpoints"

// BoltCheckpointStore persists checkpoints to a BoltDB file, so a paused
// or crashed orchestrator can resume across process restarts.
type BoltCheckpointStore struct {
	db *bolt.DB
}

// OpenBoltCheckpointStore opens (or creates) a BoltDB file at path.
func OpenBoltCheckpointStore(path string) (*BoltCheckpointStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bulk: open checkpoint store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bulk: init checkpoint bucket: %w", err)
	}

	return &BoltCheckpointStore{db: db}, nil
}

// Close releases the underlying BoltDB file.
func (s *BoltCheckpointStore) Close() error {
	return s.db.Close()
}

// Save persists resume as the checkpoint for serverID, overwriting any
// prior checkpoint.
func (s *BoltCheckpointStore) Save(serverID string, resume Resume) error {
	resume.SavedAt = time.Now()
	data, err := json.Marshal(resume)
	if err != nil {
		return fmt.Errorf("bulk: marshal checkpoint: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		return b.Put([]byte(serverID), data)
	})
}

// Load returns the checkpoint for serverID, or nil if none exists.
func (s *BoltCheckpointStore) Load(serverID string) (*Resume, error) {
	var resume Resume
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		data := b.Get([]byte(serverID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &resume)
	})
	if err != nil {
		return nil, fmt.Errorf("bulk: load checkpoint: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &resume, nil
}

// Clear removes the checkpoint for serverID, if any.
func (s *BoltCheckpointStore) Clear(serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		return b.Delete([]byte(serverID))
	})
}

// MemoryCheckpointStore is an in-memory CheckpointStore, used in tests
// and as an offline fallback when no BoltDB path is configured.
type MemoryCheckpointStore struct {
	checkpoints map[string]Resume
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Resume)}
}

func (s *MemoryCheckpointStore) Save(serverID string, resume Resume) error {
	resume.SavedAt = time.Now()
	s.checkpoints[serverID] = resume
	return nil
}

func (s *MemoryCheckpointStore) Load(serverID string) (*Resume, error) {
	resume, ok := s.checkpoints[serverID]
	if !ok {
		return nil, nil
	}
	return &resume, nil
}

func (s *MemoryCheckpointStore) Clear(serverID string) error {
	delete(s.checkpoints, serverID)
	return nil
}
