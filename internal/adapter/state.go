// Package adapter bridges the host's persisted state keys. Frame and
// lifecycle information is written out after every change; control keys
// written by the host are picked up through a filesystem watch and turned
// into pool commands.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// State key names shared with the host.
const (
	keyConnection    = "info.connection"
	keyLastCaptureTs = "info.lastCaptureTs"
	keyLastEtag      = "info.lastEtag"
	keyLastError     = "info.lastError"
	keyActiveView    = "control.activeView"
	keyCaptureNow    = "control.captureNow"
	keyReloadNow     = "control.reloadNow"
)

// Commands are the callbacks a control-key write triggers. The one-shot
// captureNow/reloadNow keys are acknowledged by rewriting them to false.
type Commands struct {
	SetActiveView func(viewID string)
	CaptureNow    func()
	ReloadNow     func()
}

// Store persists the adapter state keys as a single JSON document.
type Store struct {
	path     string
	logger   *zap.Logger
	commands Commands

	mu         sync.Mutex
	state      map[string]any
	activeView string
}

// NewStore loads (or initialises) the state file at path.
func NewStore(path string, logger *zap.Logger, commands Commands) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger,
		commands: commands,
		state:    map[string]any{keyConnection: false},
	}

	if err := s.loadLocked(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if v, ok := s.state[keyActiveView].(string); ok {
		s.activeView = v
	}

	s.state[keyConnection] = true
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordFrame writes the per-frame info keys.
func (s *Store) RecordFrame(etag string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[keyLastCaptureTs] = ts
	s.state[keyLastEtag] = etag
	s.state[keyLastError] = ""
	s.persistLocked()
}

// RecordError writes the last session error seen.
func (s *Store) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[keyLastError] = msg
	s.persistLocked()
}

// SetConnected flips the connection indicator; called on startup and
// shutdown.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[keyConnection] = connected
	s.persistLocked()
}

// Watch processes host-written control keys until ctx is cancelled. The
// watch covers the file's directory so the file may be replaced by rename.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.applyControls()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("state watch error", zap.Error(err))
		}
	}
}

// applyControls re-reads the file and fires any pending commands. The
// handler is idempotent: acknowledged one-shot keys read back as false, and
// the file is only rewritten when a one-shot key is acknowledged, so our
// own writes cause no further action.
func (s *Store) applyControls() {
	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		s.logger.Warn("reload state file", zap.Error(err))
		return
	}

	var fire []func()
	acked := false

	if v, ok := s.state[keyActiveView].(string); ok && v != s.activeView {
		s.activeView = v
		if cb := s.commands.SetActiveView; cb != nil {
			fire = append(fire, func() { cb(v) })
		}
	}
	if v, ok := s.state[keyCaptureNow].(bool); ok && v {
		s.state[keyCaptureNow] = false
		acked = true
		if cb := s.commands.CaptureNow; cb != nil {
			fire = append(fire, cb)
		}
	}
	if v, ok := s.state[keyReloadNow].(bool); ok && v {
		s.state[keyReloadNow] = false
		acked = true
		if cb := s.commands.ReloadNow; cb != nil {
			fire = append(fire, cb)
		}
	}

	if acked {
		s.persistLocked()
	}
	s.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	loaded := make(map[string]any)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	for k, v := range loaded {
		s.state[k] = v
	}
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("persist state file", zap.Error(err))
	}
}
