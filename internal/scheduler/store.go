package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/iambrandonn/roam/internal/fsutil"
	"github.com/iambrandonn/roam/internal/protocol"
)

const contractsVersion = 1

type contractsFile struct {
	Version     int                   `toml:"version"`
	Deployments []protocol.Deployment `toml:"deployments"`
}

// Store holds deployment contracts, persisted as TOML when it has a
// path and kept in memory otherwise.
type Store struct {
	path string

	mu          sync.RWMutex
	deployments map[string]protocol.Deployment
}

// OpenStore loads the contracts at path. A missing file is an empty
// store; an empty path disables persistence.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, deployments: make(map[string]protocol.Deployment)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read contracts file: %w", err)
	}
	var file contractsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode contracts file: %w", err)
	}
	if file.Version > contractsVersion {
		return nil, fmt.Errorf("contracts file version %d is newer than supported version %d", file.Version, contractsVersion)
	}
	for _, d := range file.Deployments {
		s.deployments[d.ID] = d
	}
	return s, nil
}

// Get returns a deployment by id.
func (s *Store) Get(id string) (protocol.Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	return d, ok
}

// List returns every deployment, oldest first.
func (s *Store) List() []protocol.Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []protocol.Deployment {
	out := make([]protocol.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Put adds or replaces a deployment and persists the store.
func (s *Store) Put(d protocol.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.deployments[d.ID]
	s.deployments[d.ID] = d
	if err := s.saveLocked(); err != nil {
		if existed {
			s.deployments[d.ID] = prev
		} else {
			delete(s.deployments, d.ID)
		}
		return err
	}
	return nil
}

// Delete removes a deployment and reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.deployments[id]
	if !ok {
		return false, nil
	}
	delete(s.deployments, id)
	if err := s.saveLocked(); err != nil {
		s.deployments[id] = prev
		return false, err
	}
	return true, nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := toml.Marshal(contractsFile{Version: contractsVersion, Deployments: s.listLocked()})
	if err != nil {
		return fmt.Errorf("encode contracts file: %w", err)
	}
	if err := fsutil.AtomicWrite(s.path, data); err != nil {
		return fmt.Errorf("write contracts file: %w", err)
	}
	return nil
}
