// Package keystore generates and persists WireGuard key pairs, one directory
// per identity:
//
//	<dir>/<name>/private.key   0600
//	<dir>/<name>/public.key    0644
//	<dir>/<name>/archive/<ULID>/{private,public}.key
//
// A replaced pair is moved into archive/, never deleted.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"frameworks/api_tunnel/internal/apperr"
)

const (
	privateKeyFile = "private.key"
	publicKeyFile  = "public.key"
	archiveDir     = "archive"

	privateKeyMode fs.FileMode = 0o600
	publicKeyMode  fs.FileMode = 0o644
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// KeyPair is an identity's WireGuard key pair.
type KeyPair struct {
	Owner      string
	PrivateKey wgtypes.Key
	PublicKey  wgtypes.Key
}

// Store persists key pairs under a root directory.
type Store struct {
	dir string

	// chmod is swapped in tests to simulate permission failures.
	chmod   func(f *os.File, mode fs.FileMode) error
	genKey  func() (wgtypes.Key, error)
	now     func() time.Time
	ulidMu  sync.Mutex
	entropy io.Reader
}

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{
		dir:     dir,
		chmod:   func(f *os.File, mode fs.FileMode) error { return f.Chmod(mode) },
		genKey:  wgtypes.GeneratePrivateKey,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// ValidateName rejects identity names that are empty, too long, or could
// escape the key directory.
func ValidateName(name string) error {
	if !identityPattern.MatchString(name) || strings.Contains(name, "..") {
		return &apperr.UsageError{Msg: fmt.Sprintf("invalid identity name %q", name)}
	}
	return nil
}

func (s *Store) identityDir(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether a current key pair is stored for name.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.identityDir(name), privateKeyFile))
	return err == nil
}

// Generate creates and persists a new key pair for name. If one already
// exists, Generate fails with DuplicateIdentityError unless force is set, in
// which case the old pair is archived first.
func (s *Store) Generate(name string, force bool) (KeyPair, error) {
	if err := ValidateName(name); err != nil {
		return KeyPair{}, err
	}

	if s.Exists(name) {
		if !force {
			return KeyPair{}, &apperr.DuplicateIdentityError{Name: name}
		}
		if _, err := s.Archive(name); err != nil {
			return KeyPair{}, err
		}
	}

	priv, err := s.genKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key for %s: %w", name, err)
	}
	kp := KeyPair{Owner: name, PrivateKey: priv, PublicKey: priv.PublicKey()}

	dir := s.identityDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return KeyPair{}, apperr.Privileged("create key directory", fmt.Errorf("create key directory %s: %w", dir, err))
	}

	if err := s.writeKey(filepath.Join(dir, privateKeyFile), kp.PrivateKey.String(), privateKeyMode); err != nil {
		return KeyPair{}, err
	}
	if err := s.writeKey(filepath.Join(dir, publicKeyFile), kp.PublicKey.String(), publicKeyMode); err != nil {
		// Never leave a private key without its public half.
		_ = os.Remove(filepath.Join(dir, privateKeyFile))
		return KeyPair{}, err
	}

	return kp, nil
}

// Load reads the current key pair for name.
func (s *Store) Load(name string) (KeyPair, error) {
	if err := ValidateName(name); err != nil {
		return KeyPair{}, err
	}
	dir := s.identityDir(name)

	priv, err := readKey(filepath.Join(dir, privateKeyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return KeyPair{}, &apperr.NotFoundError{Resource: "identity", Name: name}
		}
		return KeyPair{}, apperr.Privileged("read private key", fmt.Errorf("read private key for %s: %w", name, err))
	}
	pub, err := readKey(filepath.Join(dir, publicKeyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return KeyPair{}, &apperr.NotFoundError{Resource: "identity", Name: name}
		}
		return KeyPair{}, fmt.Errorf("read public key for %s: %w", name, err)
	}
	if priv.PublicKey() != pub {
		return KeyPair{}, fmt.Errorf("key pair for %s is inconsistent: public key does not match private key", name)
	}

	return KeyPair{Owner: name, PrivateKey: priv, PublicKey: pub}, nil
}

// Archive moves the current pair for name into its archive directory and
// returns the archive path.
func (s *Store) Archive(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if !s.Exists(name) {
		return "", &apperr.NotFoundError{Resource: "identity", Name: name}
	}

	dir := s.identityDir(name)
	dest := filepath.Join(dir, archiveDir, s.newArchiveID())
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return "", fmt.Errorf("create archive for %s: %w", name, err)
	}
	for _, file := range []string{privateKeyFile, publicKeyFile} {
		src := filepath.Join(dir, file)
		if err := os.Rename(src, filepath.Join(dest, file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("archive %s for %s: %w", file, name, err)
		}
	}
	return dest, nil
}

// Archived lists archive IDs for name, oldest first.
func (s *Store) Archived(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.identityDir(name), archiveDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) newArchiveID() string {
	s.ulidMu.Lock()
	defer s.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// writeKey writes a key through a temp file whose mode is fixed before any
// key material is written. A chmod failure aborts the write.
func (s *Store) writeKey(path, key string, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperr.Privileged("write key", fmt.Errorf("create temp key file: %w", err))
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := s.chmod(tmp, mode); err != nil {
		cleanup()
		return apperr.Privileged("protect key file", fmt.Errorf("set mode %o on %s: %w", mode, path, err))
	}
	if _, err := tmp.WriteString(key + "\n"); err != nil {
		cleanup()
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync key file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close key file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install key file %s: %w", path, err)
	}
	return nil
}

func readKey(path string) (wgtypes.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wgtypes.Key{}, err
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return key, nil
}
