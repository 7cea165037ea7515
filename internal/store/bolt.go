package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// BoltStore implements Store using BoltDB. Entries are keyed by their
// big-endian sequence number so bucket order is journal order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func eventKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

func (s *BoltStore) AppendEvent(ev *AccessEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEvents)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = id
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(eventKey(id), data)
	})
}

func (s *BoltStore) RecentEvents(limit int) ([]*AccessEvent, error) {
	var events []*AccessEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var ev AccessEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) EventsSince(since uint64, limit int) ([]*AccessEvent, error) {
	var events []*AccessEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(eventKey(since + 1)); k != nil && len(events) < limit; k, v = c.Next() {
			var ev AccessEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) Prune(keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return nil
		}
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
