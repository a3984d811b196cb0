package reporter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/natefinch/atomic"
)

// Status is what the daemon tells its user about the last cycle.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusNoToken         Status = "no_token"
	StatusOK              Status = "ok"
	StatusPendingApproval Status = "pending_approval"
	StatusUnauthorized    Status = "unauthorized"
	StatusOffline         Status = "offline"
)

// Counter is a pair of cumulative interface counters.
type Counter struct {
	Rx uint64 `json:"rx"`
	Tx uint64 `json:"tx"`
}

// Snapshot is the usage accumulated for one UTC hour.
type Snapshot struct {
	Hour time.Time          `json:"hour"`
	Apps map[string]Counter `json:"apps"`
}

func newSnapshot(hour time.Time) *Snapshot {
	return &Snapshot{Hour: hour, Apps: map[string]Counter{}}
}

func (s *Snapshot) add(identifier string, rx, tx uint64) {
	c := s.Apps[identifier]
	c.Rx += rx
	c.Tx += tx
	s.Apps[identifier] = c
}

// Identifiers returns the snapshot's identifiers in a stable order.
func (s *Snapshot) Identifiers() []string {
	ids := make([]string, 0, len(s.Apps))
	for id := range s.Apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State survives restarts so hours that were never accepted are sent later.
type State struct {
	Status       Status             `json:"status"`
	LastError    string             `json:"lastError,omitempty"`
	LastSubmitAt *time.Time         `json:"lastSubmitAt,omitempty"`
	Baselines    map[string]Counter `json:"baselines"`
	Current      *Snapshot          `json:"current,omitempty"`
	Pending      []Snapshot         `json:"pending"`
	Registered   map[string]bool    `json:"registered"`
	DisplayNames map[string]string  `json:"displayNames,omitempty"`
}

func newState() *State {
	return &State{
		Status:       StatusStarting,
		Baselines:    map[string]Counter{},
		Registered:   map[string]bool{},
		DisplayNames: map[string]string{},
	}
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	s := newState()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if s.Baselines == nil {
		s.Baselines = map[string]Counter{}
	}
	if s.Registered == nil {
		s.Registered = map[string]bool{}
	}
	if s.DisplayNames == nil {
		s.DisplayNames = map[string]string{}
	}
	return s, nil
}

// Save replaces the state file atomically.
func (s *State) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
