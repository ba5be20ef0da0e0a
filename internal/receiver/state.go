// Package receiver implements the subscription client: the downlink
// websocket session, durable local state, and the per-stream TCP proxies
// that re-emit frames to local consumers.
package receiver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"timerelay/internal/protocol"
)

var (
	bucketProfile       = []byte("profile")
	bucketSubscriptions = []byte("subscriptions")
	bucketCursors       = []byte("cursors")
	bucketLastFrames    = []byte("last_frames")

	profileKey = []byte("profile")
)

// ErrNoProfile indicates no profile has been saved yet.
var ErrNoProfile = errors.New("no profile saved")

// Profile stores the upstream connection settings.
type Profile struct {
	ServerURL  string `json:"server_url"`
	Token      string `json:"token"`
	ReceiverID string `json:"receiver_id"`
}

// Subscription is one stream the receiver re-emits locally.
type Subscription struct {
	ForwarderID   string `json:"forwarder_id"`
	ReaderAddress string `json:"reader_address"`
	// PortOverride replaces the deterministic local port when non-zero.
	PortOverride int `json:"port_override,omitempty"`
}

// Key is the subscription's stable identity.
func (s Subscription) Key() string {
	return StreamKey(s.ForwarderID, s.ReaderAddress)
}

// StreamKey builds the canonical "forwarder/reader" key.
func StreamKey(forwarderID, readerAddress string) string {
	return forwarderID + "/" + readerAddress
}

// State is the receiver's durable local store: profile, subscription set,
// delivery cursors, and a compressed last-frame cache per stream.
type State struct {
	db *bolt.DB
}

// OpenState opens (or creates) the local store and provisions buckets.
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open receiver state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProfile, bucketSubscriptions, bucketCursors, bucketLastFrames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &State{db: db}, nil
}

// Close releases the store.
func (s *State) Close() error { return s.db.Close() }

// SaveProfile persists the upstream settings.
func (s *State) SaveProfile(p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfile).Put(profileKey, raw)
	})
}

// LoadProfile returns the saved upstream settings.
func (s *State) LoadProfile() (Profile, error) {
	var p Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProfile).Get(profileKey)
		if raw == nil {
			return ErrNoProfile
		}
		return json.Unmarshal(raw, &p)
	})
	return p, err
}

// AddSubscription stores (or replaces) a subscription.
func (s *State) AddSubscription(sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Put([]byte(sub.Key()), raw)
	})
}

// RemoveSubscription deletes a subscription by key.
func (s *State) RemoveSubscription(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(key))
	})
}

// Subscriptions lists the stored subscription set, key-ordered.
func (s *State) Subscriptions() ([]Subscription, error) {
	var subs []Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(_, raw []byte) error {
			var sub Subscription
			if err := json.Unmarshal(raw, &sub); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func cursorKey(streamKey string, epoch uint64) []byte {
	key := make([]byte, 0, len(streamKey)+9)
	key = append(key, streamKey...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return append(key, buf[:]...)
}

// UpdateCursor records the last delivered seq for (stream, epoch); stale
// positions are ignored.
func (s *State) UpdateCursor(forwarderID, readerAddress string, epoch, seq uint64) error {
	key := cursorKey(StreamKey(forwarderID, readerAddress), epoch)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCursors)
		if existing := bucket.Get(key); existing != nil {
			if binary.BigEndian.Uint64(existing) >= seq {
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return bucket.Put(key, buf[:])
	})
}

// ResumeCursors returns the highest local (epoch, seq) per subscribed
// stream, suitable as weak resume hints in the hello.
func (s *State) ResumeCursors() ([]protocol.ResumeCursor, error) {
	subs, err := s.Subscriptions()
	if err != nil {
		return nil, err
	}
	var cursors []protocol.ResumeCursor
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCursors)
		for _, sub := range subs {
			prefix := append([]byte(sub.Key()), 0)
			c := bucket.Cursor()
			var best *protocol.ResumeCursor
			for k, v := c.Seek(prefix); k != nil && len(k) == len(prefix)+8 && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
				epoch := binary.BigEndian.Uint64(k[len(prefix):])
				seq := binary.BigEndian.Uint64(v)
				if best == nil || epoch > best.StreamEpoch || (epoch == best.StreamEpoch && seq > best.LastSeq) {
					best = &protocol.ResumeCursor{
						ForwarderID:   sub.ForwarderID,
						ReaderAddress: sub.ReaderAddress,
						StreamEpoch:   epoch,
						LastSeq:       seq,
					}
				}
			}
			if best != nil {
				cursors = append(cursors, *best)
			}
		}
		return nil
	})
	return cursors, err
}

// CacheLastFrame stores the stream's most recent raw frame, snappy
// compressed, for status surfaces.
func (s *State) CacheLastFrame(streamKey string, frame []byte) error {
	compressed := snappy.Encode(nil, frame)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLastFrames).Put([]byte(streamKey), compressed)
	})
}

// LastFrame returns the cached frame, or nil when none is stored.
func (s *State) LastFrame(streamKey string) ([]byte, error) {
	var frame []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		compressed := tx.Bucket(bucketLastFrames).Get([]byte(streamKey))
		if compressed == nil {
			return nil
		}
		decoded, err := snappy.Decode(nil, compressed)
		if err != nil {
			return err
		}
		frame = append([]byte(nil), decoded...)
		return nil
	})
	return frame, err
}
