package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpboyer2/ppll-native-client-sub002/internal/logger"
)

const runtimeStatusFile = "runtime_status.json"

// RuntimeStatus is the process-level health file written next to the lock.
type RuntimeStatus struct {
	InstanceID     string          `json:"instance_id"`
	PID            int             `json:"pid"`
	State          string          `json:"state"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastError      string          `json:"last_error,omitempty"`
	Strategies     []StrategyState `json:"strategies,omitempty"`
	FeedReconnects int             `json:"feed_reconnects,omitempty"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
}

type StrategyState struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StateDir owns the files a running process keeps under its state directory.
type StateDir struct {
	root string
	mu   sync.Mutex
}

func NewStateDir(root string) (*StateDir, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &StateDir{root: root}, nil
}

func (s *StateDir) Root() string {
	return s.root
}

func (s *StateDir) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(filepath.Join(s.root, runtimeStatusFile), status)
}

func (s *StateDir) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, runtimeStatusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path)
	return nil
}

// fsyncDirBestEffort syncs the directory after a rename; failures are only logged.
func fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		logger.Event("store_dir_fsync_skipped").WithFields(logrus.Fields{
			"dir":    dir,
			"target": path,
		}).WithError(err).Warn("directory fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Event("store_dir_fsync_failed").WithFields(logrus.Fields{
			"dir":    dir,
			"target": path,
		}).WithError(err).Warn("directory fsync failed")
	}
}
