// Package keystore persists a node's identity across restarts: its NodeID
// and the X25519 key pair it uses as an onion hop.
//
// Everything lives in one bbolt bucket. When opened with a passphrase the
// private key is sealed with AES-256-GCM under a key derived by PBKDF2 from
// the passphrase and a per-database salt.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/cyxwiz/crypto"
	"github.com/opd-ai/cyxwiz/errcode"
	"github.com/opd-ai/cyxwiz/identity"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the key derivation work factor.
	PBKDF2Iterations = 100000
	// SaltSize is the size of the per-database salt.
	SaltSize = 32
	// sealVersion prefixes sealed records: [version:2][nonce:12][ciphertext].
	sealVersion = 1
)

var (
	bucketIdentity = []byte("identity")
	keySalt        = []byte("salt")
	keyNodeID      = []byte("node_id")
	keyOnionSecret = []byte("onion_secret")
	keySealed      = []byte("sealed")
)

// Identity is what the store keeps for the local node.
type Identity struct {
	NodeID identity.NodeID
	Onion  *crypto.KeyPair
}

// Store is an open identity database.
type Store struct {
	db     *bolt.DB
	path   string
	key    [32]byte
	sealed bool
	logger *logrus.Entry
}

// Open opens or creates the database at path. A non-empty passphrase seals
// the private key at rest; the passphrase slice is wiped.
func Open(path string, passphrase []byte) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty keystore path", errcode.InvalidArgument)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening keystore %s: %v", errcode.InvalidArgument, path, err)
	}

	var salt []byte
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketIdentity)
		if err != nil {
			return err
		}
		if stored := b.Get(keySalt); stored != nil {
			if len(stored) != SaltSize {
				return fmt.Errorf("%w: salt is %d bytes", errcode.CryptoError, len(stored))
			}
			salt = append([]byte(nil), stored...)
			return nil
		}
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("%w: generating salt: %v", errcode.CryptoError, err)
		}
		return b.Put(keySalt, salt)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logrus.WithFields(logrus.Fields{"package": "keystore", "path": path}),
	}
	if len(passphrase) > 0 {
		derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
		copy(s.key[:], derived)
		s.sealed = true
		crypto.ZeroBytes(derived)
		crypto.ZeroBytes(passphrase)
	}
	return s, nil
}

// LoadOrCreate returns the stored identity, creating and saving a fresh one
// with cctx when the store is empty. created reports which happened.
func (s *Store) LoadOrCreate(cctx *crypto.Context) (Identity, bool, error) {
	id, found, err := s.load()
	if err != nil || found {
		return id, false, err
	}

	nodeID, err := identity.Generate()
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: %v", errcode.CryptoError, err)
	}
	if cctx == nil {
		return Identity{}, false, fmt.Errorf("%w: a crypto context is needed to create an identity", errcode.CryptoUnavailable)
	}
	kp, err := cctx.GenerateKeyPair()
	if err != nil {
		return Identity{}, false, err
	}
	if err := s.save(nodeID, kp); err != nil {
		_ = crypto.WipeKeyPair(kp)
		return Identity{}, false, err
	}
	s.logger.WithFields(logrus.Fields{
		"function": "LoadOrCreate",
		"node":     nodeID.Short(),
		"sealed":   s.sealed,
	}).Info("Created node identity")
	return Identity{NodeID: nodeID, Onion: kp}, true, nil
}

func (s *Store) load() (Identity, bool, error) {
	var (
		out     Identity
		found   bool
		record  []byte
		sealed  bool
		rawNode []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		rawNode = b.Get(keyNodeID)
		if rawNode == nil {
			return nil
		}
		found = true
		rawNode = append([]byte(nil), rawNode...)
		record = append([]byte(nil), b.Get(keyOnionSecret)...)
		sealed = len(b.Get(keySealed)) == 1 && b.Get(keySealed)[0] == 1
		return nil
	})
	if err != nil || !found {
		return out, false, err
	}

	nodeID, err := identity.FromBytes(rawNode)
	if err != nil {
		return out, false, fmt.Errorf("%w: stored node id: %v", errcode.CryptoError, err)
	}
	secret := record
	if sealed {
		if !s.sealed {
			return out, false, fmt.Errorf("%w: keystore is sealed, passphrase required", errcode.CryptoError)
		}
		if secret, err = s.open(record); err != nil {
			return out, false, err
		}
	}
	if len(secret) != crypto.KeySize {
		return out, false, fmt.Errorf("%w: stored onion key is %d bytes", errcode.CryptoError, len(secret))
	}
	var sk [crypto.KeySize]byte
	copy(sk[:], secret)
	crypto.ZeroBytes(secret)
	kp, err := crypto.FromSecretKey(sk)
	crypto.ZeroBytes(sk[:])
	if err != nil {
		return out, false, err
	}
	s.logger.WithFields(logrus.Fields{
		"function": "load",
		"node":     nodeID.Short(),
	}).Debug("Loaded node identity")
	return Identity{NodeID: nodeID, Onion: kp}, true, nil
}

func (s *Store) save(nodeID identity.NodeID, kp *crypto.KeyPair) error {
	record := append([]byte(nil), kp.Private[:]...)
	flag := byte(0)
	if s.sealed {
		sealed, err := s.seal(record)
		crypto.ZeroBytes(record)
		if err != nil {
			return err
		}
		record, flag = sealed, 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if err := b.Put(keyNodeID, nodeID.Bytes()); err != nil {
			return err
		}
		if err := b.Put(keyOnionSecret, record); err != nil {
			return err
		}
		return b.Put(keySealed, []byte{flag})
	})
}

// Reset deletes the stored identity so the next LoadOrCreate makes a new one.
func (s *Store) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		for _, k := range [][]byte{keyNodeID, keyOnionSecret, keySealed} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.CryptoError, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.CryptoError, err)
	}
	return aead, nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	aead, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", errcode.CryptoError, err)
	}
	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint16(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (s *Store) open(record []byte) ([]byte, error) {
	aead, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(record) < 2+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed record is %d bytes", errcode.CryptoError, len(record))
	}
	if v := binary.BigEndian.Uint16(record); v != sealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", errcode.CryptoError, v)
	}
	nonce := record[2 : 2+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, record[2+aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted keystore", errcode.CryptoError)
	}
	return plaintext, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close wipes the derived key and closes the database.
func (s *Store) Close() error {
	crypto.ZeroBytes(s.key[:])
	return s.db.Close()
}
