package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nebula-studio/nebula/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the inquiry Store using a BoltDB backend. Inquiries submitted through the contact
// form are kept in a single bucket keyed by submission order.
type BoltDB struct {
	db *bolt.DB
}

var inquiriesBucket = []byte("inquiries")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(inquiriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// AddInquiry stores a new inquiry. It generates a unique ID for the inquiry by combining a sequence
// number with the inquiry's original ID, and returns the new ID or an error if the operation fails.
func (b BoltDB) AddInquiry(_ context.Context, inquiry models.Inquiry) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(inquiriesBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		// Zero padding keeps the byte order of keys equal to the submission order.
		newID = fmt.Sprintf("%012d-%s", seq, inquiry.ID)
		inquiry.ID = newID

		v, err := json.Marshal(inquiry)
		if err != nil {
			return fmt.Errorf("failed to marshal inquiry: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// Inquiries retrieves all stored inquiries, newest first.
func (b BoltDB) Inquiries(context.Context) ([]models.Inquiry, error) {
	var inquiries []models.Inquiry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(inquiriesBucket).ForEach(func(_, v []byte) error {
			var inquiry models.Inquiry
			if err := json.Unmarshal(v, &inquiry); err != nil {
				return fmt.Errorf("failed to unmarshal inquiry: %w", err)
			}
			inquiries = append(inquiries, inquiry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(inquiries)
	return inquiries, nil
}
