// Package storage implements SecureStateStorage and
// ApplicationSecureStorage (spec §6) on top of bbolt, encrypting every
// value with internal/enigma before it touches disk.
//
// Grounded on the teacher's storage.go (OpenStorage, passphrase handling,
// functional options) and pkg/store's bucket-scoped encrypted query/command
// shape — the retrieved pkg/store files referenced a Query/Command/
// DefaultBucket surface that was not itself present in the pack (see
// DESIGN.md); this package defines that surface directly instead of
// guessing at the missing revision.
package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/term"

	"github.com/ecliptix-labs/securecore/internal/enigma"
)

const (
	channelBucket = "channel_state"

	envPassphrase = "SECURECORE_DB_PASSPHRASE"
	envDBPath     = "SECURECORE_DB_PATH"

	defaultDBPath = "securecore.db"

	saltSize = 16
)

var (
	ErrNotFound      = errors.New("storage: key not found")
	ErrMissingBucket = errors.New("storage: bucket missing")
)

// PassphraseHandler supplies the passphrase used to derive the storage
// encryption key when one is not set via SECURECORE_DB_PASSPHRASE.
type PassphraseHandler func() ([]byte, error)

// defaultPassphraseHandler prompts on the controlling terminal, mirroring
// the teacher's storage.go fallback.
func defaultPassphraseHandler() ([]byte, error) {
	fmt.Fprint(os.Stderr, "securecore storage passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}

// BoltSecureStorage is the SecureStateStorage + ApplicationSecureStorage
// reference implementation.
type BoltSecureStorage struct {
	db   *bbolt.DB
	salt []byte
	seal *enigma.Enigma
}

// Option configures Open, following the teacher's StorageOption pattern.
type Option func(*openConfig) error

type openConfig struct {
	path       string
	passphrase PassphraseHandler
	noPass     bool
	salt       []byte
}

// WithDBPath overrides the default bolt file path.
func WithDBPath(path string) Option {
	return func(c *openConfig) error {
		c.path = path
		return nil
	}
}

// WithPassphraseHandler overrides how the passphrase is obtained when
// SECURECORE_DB_PASSPHRASE is unset.
func WithPassphraseHandler(h PassphraseHandler) Option {
	return func(c *openConfig) error {
		c.passphrase = h
		return nil
	}
}

// WithNoPassphrase derives the storage key from a fixed built-in passphrase
// (with the database's own stored salt) instead of prompting. For tests, not
// production use.
func WithNoPassphrase() Option {
	return func(c *openConfig) error {
		c.noPass = true
		return nil
	}
}

// Open opens (creating if absent) a bbolt-backed secure store at the
// configured path, deriving its encryption key from an environment
// variable, a caller-supplied handler, or an interactive terminal prompt,
// in that order.
func Open(opts ...Option) (*BoltSecureStorage, error) {
	cfg := &openConfig{
		path:       defaultDBPath,
		passphrase: defaultPassphraseHandler,
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.path = v
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	db, err := bbolt.Open(cfg.path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	var pass []byte
	if cfg.noPass {
		pass = []byte("securecore-test-only-passphrase")
	} else if v := os.Getenv(envPassphrase); v != "" {
		pass = []byte(v)
	} else {
		pass, err = cfg.passphrase()
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	seal, err := enigma.NewEnigma(pass, salt, []byte("securecore:storage"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("deriving storage key: %w", err)
	}

	if err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(channelBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring bucket: %w", err)
	}

	return &BoltSecureStorage{db: db, salt: salt, seal: seal}, nil
}

func loadOrCreateSalt(db *bbolt.DB) ([]byte, error) {
	const metaBucket = "meta"
	const saltKey = "salt"

	var salt []byte
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if existing := b.Get([]byte(saltKey)); existing != nil {
			salt = bytes.Clone(existing)
			return nil
		}
		fresh := make([]byte, saltSize)
		if _, err = rand.Read(fresh); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		salt = fresh
		return b.Put([]byte(saltKey), fresh)
	})
	return salt, err
}

// Close releases the underlying bbolt handle.
func (s *BoltSecureStorage) Close() error {
	return s.db.Close()
}

// Load reads and decrypts the value stored under key. It returns
// ErrNotFound if no value is present.
func (s *BoltSecureStorage) Load(key string) ([]byte, error) {
	var ciphertext []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(channelBucket))
		if b == nil {
			return ErrMissingBucket
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		ciphertext = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plaintext, err := s.seal.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt %s: %w", key, err)
	}
	return plaintext, nil
}

// Save encrypts value and writes it under key, overwriting any previous
// value (I5: callers must only call Save after the corresponding local
// ratchet step has completed).
func (s *BoltSecureStorage) Save(key string, value []byte) error {
	ciphertext := s.seal.Encrypt(value)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(channelBucket))
		if b == nil {
			return ErrMissingBucket
		}
		return b.Put([]byte(key), ciphertext)
	})
}

// Delete removes the value stored under key, if any.
func (s *BoltSecureStorage) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(channelBucket))
		if b == nil {
			return ErrMissingBucket
		}
		return b.Delete([]byte(key))
	})
}

// Store implements ApplicationSecureStorage: a plain (unencrypted-at-rest
// beyond the bucket's shared seal) key/value write, used for the
// "<connect_id>_timestamp" entries (§6).
func (s *BoltSecureStorage) Store(key string, value []byte) error {
	return s.Save(key, value)
}

// TimestampKey builds the "<connect_id>_timestamp" key the spec's
// persisted-state layout names.
func TimestampKey(key string) string {
	return key + "_timestamp"
}

// EncodeTimestamp renders t as the 8-byte little-endian Unix timestamp the
// persisted layout specifies.
func EncodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

// DecodeTimestamp is the inverse of EncodeTimestamp.
func DecodeTimestamp(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, fmt.Errorf("storage: invalid timestamp length %d", len(b))
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(b)), 0), nil
}
