package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kilupskalvis/odc/internal/models"
	bolt "go.etcd.io/bbolt"
)

// RecordSave appends rec to the save journal. An empty ID is filled in.
func (s *Store) RecordSave(rec *models.SaveRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSaves)
		if bucket == nil {
			return fmt.Errorf("saves bucket not found")
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next save sequence: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal save record: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// ListSaves returns journal entries, newest first. A limit of 0 returns all.
func (s *Store) ListSaves(limit int) ([]*models.SaveRecord, error) {
	var recs []*models.SaveRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSaves)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(recs) >= limit {
				break
			}
			var r models.SaveRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal save record: %w", err)
			}
			recs = append(recs, &r)
		}
		return nil
	})

	return recs, err
}

// seqKey encodes a sequence number so that keys sort in insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
