package keystore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"frameworks/api_tunnel/internal/apperr"
)

func TestGenerateAndLoad(t *testing.T) {
	s := New(t.TempDir())

	kp, err := s.Generate("phone", false)
	require.NoError(t, err)
	require.Equal(t, "phone", kp.Owner)
	require.Equal(t, kp.PrivateKey.PublicKey(), kp.PublicKey)

	loaded, err := s.Load("phone")
	require.NoError(t, err)
	require.Equal(t, kp, loaded)
}

func TestGenerateFileModes(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Generate("laptop", false)
	require.NoError(t, err)

	priv, err := os.Stat(filepath.Join(s.dir, "laptop", privateKeyFile))
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o600), priv.Mode().Perm())

	pub, err := os.Stat(filepath.Join(s.dir, "laptop", publicKeyFile))
	require.NoError(t, err)
	require.Equal(t, fs.FileMode(0o644), pub.Mode().Perm())
}

func TestGenerateDuplicateWithoutForce(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Generate("phone", false)
	require.NoError(t, err)

	_, err = s.Generate("phone", false)
	var dup *apperr.DuplicateIdentityError
	require.True(t, errors.As(err, &dup), "expected DuplicateIdentityError, got %v", err)
}

func TestGenerateForceArchivesOldPair(t *testing.T) {
	s := New(t.TempDir())
	first, err := s.Generate("phone", false)
	require.NoError(t, err)

	second, err := s.Generate("phone", true)
	require.NoError(t, err)
	require.NotEqual(t, first.PublicKey, second.PublicKey)

	ids, err := s.Archived("phone")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	archived, err := readKey(filepath.Join(s.dir, "phone", archiveDir, ids[0], publicKeyFile))
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, archived)

	current, err := s.Load("phone")
	require.NoError(t, err)
	require.Equal(t, second.PublicKey, current.PublicKey)
}

func TestLoadMissing(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("ghost")
	var nf *apperr.NotFoundError
	require.True(t, errors.As(err, &nf), "expected NotFoundError, got %v", err)
}

func TestChmodFailureIsFatalAndLeavesNoKey(t *testing.T) {
	s := New(t.TempDir())
	s.chmod = func(*os.File, fs.FileMode) error { return os.ErrPermission }

	_, err := s.Generate("phone", false)
	require.Error(t, err)
	require.Equal(t, apperr.KindPrivilege, apperr.KindOf(err))
	require.False(t, s.Exists("phone"))

	entries, err := os.ReadDir(filepath.Join(s.dir, "phone"))
	require.NoError(t, err)
	require.Empty(t, entries, "temp files must be cleaned up")
}

func TestLoadDetectsMismatchedPair(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Generate("a", false)
	require.NoError(t, err)
	other, err := s.Generate("b", false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "a", publicKeyFile), []byte(other.PublicKey.String()+"\n"), 0o644))
	_, err = s.Load("a")
	require.ErrorContains(t, err, "inconsistent")
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", "../etc", "a/b", ".hidden", "x..y"} {
		require.Error(t, ValidateName(bad), bad)
	}
	for _, good := range []string{"phone", "wg0", "alice_laptop-2", "node.1"} {
		require.NoError(t, ValidateName(good), good)
	}
}
