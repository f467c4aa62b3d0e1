package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
)

// RunStatus is the snapshot written to the run status file
type RunStatus struct {
	PID            int       `json:"pid"`
	RunID          string    `json:"run_id"`
	Command        string    `json:"command"`
	StartTime      time.Time `json:"start_time"`
	Stage          string    `json:"stage,omitempty"`
	CurrentKeys    []string  `json:"current_keys,omitempty"`
	TotalItems     int       `json:"total_items"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	Progress       float64   `json:"progress"`
	LastUpdate     time.Time `json:"last_update"`
}

// GetStateDir returns the directory holding run state
func GetStateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tripdata-sync")
}

// GetRunStatusPath returns the path to the run status file
func GetRunStatusPath() string {
	return filepath.Join(GetStateDir(), "current_run.json")
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// StatusFile keeps the run status file current as tasks progress. It is an
// informational snapshot, not a lock.
type StatusFile struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	status   RunStatus
	inFlight map[partitions.Key]struct{}
}

// NewStatusFile creates a tracker for one invocation
func NewStatusFile(fs afero.Fs, path, runID, command string, logger *slog.Logger) *StatusFile {
	return &StatusFile{
		fs:     fs,
		path:   path,
		logger: logger,
		status: RunStatus{
			PID:       os.Getpid(),
			RunID:     runID,
			Command:   command,
			StartTime: time.Now(),
		},
		inFlight: make(map[partitions.Key]struct{}),
	}
}

// BeginStage resets the counters for a new transfer stage
func (s *StatusFile) BeginStage(stage string, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Stage = stage
	s.status.TotalItems = total
	s.status.CompletedItems = 0
	s.status.FailedItems = 0
	s.inFlight = make(map[partitions.Key]struct{})
	s.writeLocked()
}

func (s *StatusFile) TaskStarted(_ string, key partitions.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight[key] = struct{}{}
	s.writeLocked()
}

func (s *StatusFile) TaskFinished(_ string, outcome reconcile.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, outcome.Key)
	switch outcome.Status {
	case reconcile.StatusFailed:
		s.status.FailedItems++
		s.status.CompletedItems++
	case reconcile.StatusNotAttempted:
	default:
		s.status.CompletedItems++
	}
	s.writeLocked()
}

// Snapshot returns a copy of the current status
func (s *StatusFile) Snapshot() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Remove deletes the status file at the end of a run
func (s *StatusFile) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *StatusFile) snapshotLocked() RunStatus {
	snap := s.status
	snap.CurrentKeys = nil
	for k := range s.inFlight {
		snap.CurrentKeys = append(snap.CurrentKeys, k.String())
	}
	sort.Strings(snap.CurrentKeys)
	if snap.TotalItems > 0 {
		snap.Progress = float64(snap.CompletedItems) / float64(snap.TotalItems)
	}
	snap.LastUpdate = time.Now()
	return snap
}

func (s *StatusFile) writeLocked() {
	if err := WriteRunStatus(s.fs, s.path, s.snapshotLocked()); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to update run status: %v", err))
	}
}

// WriteRunStatus writes status to path, creating the directory as needed
func WriteRunStatus(fs afero.Fs, path string, status RunStatus) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	return afero.WriteFile(fs, path, data, 0o600)
}

// ReadRunStatus reads the run status file
func ReadRunStatus(fs afero.Fs, path string) (*RunStatus, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}

	return &status, nil
}
