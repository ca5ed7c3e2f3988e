package rsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"manifold/internal/utils"
)

func NewRsmStore(path string) *RsmStore {
	return &RsmStore{
		path:              path,
		filesystemHandler: utils.NewFilesystemExecutor(),
	}
}

type RsmStore struct {
	path              string
	mu                sync.Mutex
	filesystemHandler utils.FilesystemHandler
}

func (s *RsmStore) withLock(fn func(st *StatusState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := s.path + ".lock"
	if err := s.filesystemHandler.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	lf, err := s.filesystemHandler.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer lf.Close()

	if err := s.filesystemHandler.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer s.filesystemHandler.Flock(int(lf.Fd()), unix.LOCK_UN)

	st, err := s.loadOrInit()
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return err
	}

	return s.atomicSave(st)
}

func (s *RsmStore) loadOrInit() (*StatusState, error) {
	b, err := s.filesystemHandler.ReadFile(s.path)
	if err != nil {
		if s.filesystemHandler.IsNotExist(err) {
			return &StatusState{
				Version:  "0.1.0",
				Services: map[string]StatusInfo{},
			}, nil
		}
		return nil, err
	}

	var st StatusState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("status state json broken: %w", err)
	}
	if st.Services == nil {
		st.Services = map[string]StatusInfo{}
	}
	return &st, nil
}

func (s *RsmStore) atomicSave(st *StatusState) error {
	tmp := s.path + ".tmp"

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	f, err := s.filesystemHandler.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.filesystemHandler.Rename(tmp, s.path)
}

func (s *RsmStore) InitStatusState() error {
	return s.withLock(func(st *StatusState) error {
		st.Version = "0.1.0"
		if st.Services == nil {
			st.Services = map[string]StatusInfo{}
		}
		return nil
	})
}
