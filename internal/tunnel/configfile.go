package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"frameworks/api_tunnel/internal/apperr"
	"frameworks/api_tunnel/internal/wireguard"
	"frameworks/api_tunnel/pkg/logging"
)

const configFileMode fs.FileMode = 0o600

// configFiles reads and atomically rewrites interface config files. A
// failed rewrite is retried exactly once before surfacing, unless it was
// refused for lack of privilege.
type configFiles struct {
	logger logging.Logger
	retry  retrypolicy.RetryPolicy[any]
	// writeFile is replaced in tests to inject failures.
	writeFile func(path string, data []byte) error
}

func newConfigFiles(logger logging.Logger) *configFiles {
	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(1).
		WithDelay(50 * time.Millisecond).
		AbortIf(func(_ any, err error) bool { return apperr.IsPrivilege(err) }).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.WithError(e.LastError()).Warn("Config write failed; retrying once")
		}).
		Build()
	return &configFiles{
		logger: logger,
		retry:  retry,
		writeFile: func(path string, data []byte) error {
			return WriteFileAtomic(path, data, configFileMode)
		},
	}
}

func (c *configFiles) read(name, path string) (wireguard.Interface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return wireguard.Interface{}, &apperr.NotFoundError{Resource: "interface config", Name: name}
		}
		return wireguard.Interface{}, apperr.Privileged("read config", fmt.Errorf("read %s: %w", path, err))
	}
	iface, err := wireguard.ParseNamed(name, data)
	if err != nil {
		return wireguard.Interface{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return iface, nil
}

func (c *configFiles) write(path string, data []byte) error {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return nil
	}

	var lastErr error
	err := failsafe.With[any](c.retry).Run(func() error {
		lastErr = c.writeFile(path, data)
		return lastErr
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &apperr.ConfigWriteError{Path: path, Cause: apperr.Privileged("write config", lastErr)}
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new file.
func WriteFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if err := tmp.Chmod(mode); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
