package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kilupskalvis/odc/internal/models"
	bolt "go.etcd.io/bbolt"
)

// PutIdentity stores or replaces the identity record for rec.Key.
func (s *Store) PutIdentity(rec *models.IdentityRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("identity record has no key")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentities)
		if bucket == nil {
			return fmt.Errorf("identities bucket not found")
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}
		return bucket.Put([]byte(rec.Key), data)
	})
}

// GetIdentity retrieves an identity record by key. Returns (nil, nil) if not found.
func (s *Store) GetIdentity(key string) (*models.IdentityRecord, error) {
	var rec *models.IdentityRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentities)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}

		rec = &models.IdentityRecord{}
		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// ListIdentities returns all identity records sorted by key.
func (s *Store) ListIdentities() ([]*models.IdentityRecord, error) {
	var recs []*models.IdentityRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentities)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var r models.IdentityRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal identity: %w", err)
			}
			recs = append(recs, &r)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Key < recs[j].Key
	})

	return recs, nil
}

// DeleteIdentity removes an identity record. Deleting a missing key is not an error.
func (s *Store) DeleteIdentity(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentities)
		if bucket == nil {
			return fmt.Errorf("identities bucket not found")
		}
		return bucket.Delete([]byte(key))
	})
}
