package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var roomsBucket = []byte("rooms")

// ErrUnknownRoom is returned for operations against a room id that was
// never registered.
var ErrUnknownRoom = errors.New("unknown room")

func roomMsgsBucket(roomID string) []byte {
	return []byte("room:" + roomID + ":msgs")
}

func roomIndexBucket(roomID string) []byte {
	return []byte("room:" + roomID + ":ids")
}

// BoltStore persists room logs in a bbolt database. Messages live in a
// per-room bucket keyed by an 8-byte big-endian sequence number, so a
// cursor walk yields them in commit order; a sibling bucket maps message
// ids back to sequence keys for updates and deletes.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens the database at the given path, creating it and the
// directory bucket if needed.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dbDirPerm); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing db: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateRoom registers a room id and its message buckets. Creating an
// existing room is a no-op.
func (s *BoltStore) CreateRoom(roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(roomsBucket).Put([]byte(roomID), []byte{1}); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(roomMsgsBucket(roomID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(roomIndexBucket(roomID))

		return err
	})
}

// RoomExists reports whether the room id is registered.
func (s *BoltStore) RoomExists(roomID string) (bool, error) {
	var exists bool

	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(roomsBucket).Get([]byte(roomID)) != nil
		return nil
	})

	return exists, err
}

// AppendMessage commits a record to the room log, assigning the durable
// id and a strictly increasing commit timestamp. Zero-valued readBy
// entries are stamped with the commit time.
func (s *BoltStore) AppendMessage(roomID string, rec store.Record) (store.Record, error) {
	rec = rec.Clone()

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(roomMsgsBucket(roomID))
		index := tx.Bucket(roomIndexBucket(roomID))

		if msgs == nil || index == nil {
			return ErrUnknownRoom
		}

		rec.ID = uuid.NewString()
		rec.CreatedAt = nextStamp(msgs)

		for k, v := range rec.ReadBy {
			if v == 0 {
				rec.ReadBy[k] = rec.CreatedAt
			}
		}

		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}

		key := seqKey(seq)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if err := msgs.Put(key, data); err != nil {
			return err
		}

		return index.Put([]byte(rec.ID), key)
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("appending to room %s: %w", roomID, err)
	}

	return rec, nil
}

// MarkRead records a read receipt on one message. ReadBy entries are
// append-only; a session that already read the message is left alone.
// Returns whether the record changed.
func (s *BoltStore) MarkRead(roomID, msgID, session string, at int64) (bool, error) {
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(roomMsgsBucket(roomID))
		index := tx.Bucket(roomIndexBucket(roomID))

		if msgs == nil || index == nil {
			return ErrUnknownRoom
		}

		key := index.Get([]byte(msgID))
		if key == nil {
			return fmt.Errorf("marking %s: %w", msgID, store.ErrNotFound)
		}

		var rec store.Record
		if err := json.Unmarshal(msgs.Get(key), &rec); err != nil {
			return err
		}

		if _, seen := rec.ReadBy[session]; seen {
			return nil
		}

		if rec.ReadBy == nil {
			rec.ReadBy = make(map[string]int64)
		}

		rec.ReadBy[session] = at
		applied = true

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return msgs.Put(key, data)
	})

	return applied, err
}

// Window returns the newest store.SnapshotWindow records in ascending
// commit order.
func (s *BoltStore) Window(roomID string) ([]store.Record, error) {
	var out []store.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(roomMsgsBucket(roomID))
		if msgs == nil {
			return ErrUnknownRoom
		}

		total := msgs.Stats().KeyN
		skip := 0

		if total > store.SnapshotWindow {
			skip = total - store.SnapshotWindow
		}

		out = make([]store.Record, 0, total-skip)

		return msgs.ForEach(func(_, v []byte) error {
			if skip > 0 {
				skip--
				return nil
			}

			var rec store.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Fetch returns up to n records, oldest first.
func (s *BoltStore) Fetch(roomID string, n int) ([]store.Record, error) {
	var out []store.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(roomMsgsBucket(roomID))
		if msgs == nil {
			return ErrUnknownRoom
		}

		c := msgs.Cursor()

		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var rec store.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Delete removes the given message ids from the room log, skipping ids
// that are already gone. Returns how many records were removed.
func (s *BoltStore) Delete(roomID string, ids []string) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(roomMsgsBucket(roomID))
		index := tx.Bucket(roomIndexBucket(roomID))

		if msgs == nil || index == nil {
			return ErrUnknownRoom
		}

		for _, id := range ids {
			key := index.Get([]byte(id))
			if key == nil {
				continue
			}

			if err := msgs.Delete(key); err != nil {
				return err
			}

			if err := index.Delete([]byte(id)); err != nil {
				return err
			}

			deleted++
		}

		return nil
	})

	return deleted, err
}

// nextStamp returns a unix-millisecond timestamp strictly greater than
// the newest record's, so records sort deterministically even when two
// commits land within one millisecond.
func nextStamp(msgs *bolt.Bucket) int64 {
	ts := time.Now().UnixMilli()

	_, v := msgs.Cursor().Last()
	if v == nil {
		return ts
	}

	var last store.Record
	if err := json.Unmarshal(v, &last); err == nil && ts <= last.CreatedAt {
		ts = last.CreatedAt + 1
	}

	return ts
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}
