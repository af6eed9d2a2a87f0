package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidPID is returned for a pid file that does not hold a positive pid.
var ErrInvalidPID = errors.New("runtime: invalid pid file")

// PIDFile is the path of the file recording the running node's pid.
type PIDFile string

// Write records pid. The file is replaced atomically so a concurrent Read
// never sees a partial value.
func (f PIDFile) Write(pid int) error {
	if f == "" {
		return fmt.Errorf("runtime: pid file path is empty")
	}
	dir := filepath.Dir(string(f))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runtime: create pid directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), string(f)); err != nil {
		return fmt.Errorf("runtime: write pid file: %w", err)
	}
	return nil
}

// Read returns the recorded pid. A missing file reports os.ErrNotExist.
func (f PIDFile) Read() (int, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, f)
	}
	return pid, nil
}

// Remove deletes the file.
func (f PIDFile) Remove() {
	if f != "" {
		os.Remove(string(f))
	}
}

// Release deletes the file only while it still records pid, so a node that
// stops late does not remove the pid file of its successor.
func (f PIDFile) Release(pid int) {
	if got, err := f.Read(); err == nil && got == pid {
		f.Remove()
	}
}
