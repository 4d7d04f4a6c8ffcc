package xfer

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	bolt "go.etcd.io/bbolt"
)

// duplicateBucket is the single bbolt bucket durable suppression records
// are kept in.
var duplicateBucket = []byte("seen")

// DuplicateStore suppresses re-delivery of (peer identity, filename)
// pairs already seen, spec.md §4.9/§4.11/§8's property 8 ("a file
// already delivered from a given peer is not delivered twice"). A
// patrickmn/go-cache in-memory set answers the hot path without
// touching disk; go.etcd.io/bbolt keeps the durable log so suppression
// survives a daemon restart.
type DuplicateStore struct {
	hot *cache.Cache
	db  *bolt.DB
}

// OpenDuplicateStore opens (creating if absent) the bbolt file at path
// and seeds the in-memory cache from its current contents.
func OpenDuplicateStore(path string, ttl time.Duration) (*DuplicateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("xfer: open duplicate store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(duplicateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("xfer: init duplicate store: %w", err)
	}

	s := &DuplicateStore{
		hot: cache.New(ttl, ttl/2),
		db:  db,
	}

	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(duplicateBucket)
		return b.ForEach(func(k, v []byte) error {
			s.hot.SetDefault(string(k), struct{}{})
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("xfer: scan duplicate store: %w", err)
	}

	return s, nil
}

// Close releases the underlying bbolt file.
func (s *DuplicateStore) Close() error {
	return s.db.Close()
}

func duplicateKey(peerIdentity, filename string) string {
	return peerIdentity + "\x00" + filename
}

// Seen reports whether (peerIdentity, filename) has already been
// recorded, checking the hot cache first and falling back to the
// durable log on a miss (e.g. after the in-memory TTL expired but the
// durable record remains).
func (s *DuplicateStore) Seen(peerIdentity, filename string) (bool, error) {
	key := duplicateKey(peerIdentity, filename)
	if _, found := s.hot.Get(key); found {
		return true, nil
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(duplicateBucket)
		found = b.Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("xfer: check duplicate store: %w", err)
	}
	if found {
		s.hot.SetDefault(key, struct{}{})
	}
	return found, nil
}

// Record marks (peerIdentity, filename) as delivered, in both the hot
// cache and the durable log.
func (s *DuplicateStore) Record(peerIdentity, filename string) error {
	key := duplicateKey(peerIdentity, filename)
	s.hot.SetDefault(key, struct{}{})

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(duplicateBucket)
		return b.Put([]byte(key), []byte{1})
	})
}
