package controller

import (
	"context"
	"sync"

	"avaneesh/ddcmp-go/pkg/channel"
	"avaneesh/ddcmp-go/pkg/internal/logger"

	"github.com/pkg/errors"
)

// line is a running controller and the means to stop it
type line struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager is the root object for DDCMP lines. It starts one controller
// per line and shuts them down.
type Manager struct {
	lines    map[string]*line
	mu       sync.RWMutex
	logger   logger.Logger
	recorder Recorder
}

// NewManager creates a new manager
func NewManager() *Manager {
	return NewManagerWithLogger(logger.GetDefault())
}

// NewManagerWithLogger creates a new manager with custom logger
func NewManagerWithLogger(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Manager{
		lines:  make(map[string]*line),
		logger: log,
	}
}

// SetRecorder sets the journal given to lines added afterwards
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// AddLine creates a controller for cfg on physical and starts it
func (m *Manager) AddLine(cfg Config, physical channel.PhysicalChannel, handler CompletionHandler) (*Controller, error) {
	cfg.applyDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lines[cfg.ID]; exists {
		return nil, errors.Errorf("line %s already exists", cfg.ID)
	}

	ctrl := New(cfg, physical, handler, m.logger)
	if m.recorder != nil {
		ctrl.SetRecorder(m.recorder)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &line{ctrl: ctrl, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		l.err = ctrl.Run(ctx)
		if l.err != nil {
			m.logger.Error("Manager: line %s stopped: %v", cfg.ID, l.err)
		}
	}()

	m.lines[cfg.ID] = l
	m.logger.Info("Manager: Added line %s", cfg.ID)
	return ctrl, nil
}

// RemoveLine stops a line and returns the error it stopped with, if any
func (m *Manager) RemoveLine(id string) error {
	m.mu.Lock()
	l, exists := m.lines[id]
	if exists {
		delete(m.lines, id)
	}
	m.mu.Unlock()

	if !exists {
		return errors.Errorf("line %s not found", id)
	}

	l.cancel()
	<-l.done
	m.logger.Info("Manager: Removed line %s", id)
	return l.err
}

// GetLine returns a line's controller by id
func (m *Manager) GetLine(id string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, exists := m.lines[id]
	if !exists {
		return nil, false
	}
	return l.ctrl, true
}

// Lines returns the ids of all lines
func (m *Manager) Lines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.lines))
	for id := range m.lines {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every line
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	lines := m.lines
	m.lines = make(map[string]*line)
	m.mu.Unlock()

	m.logger.Info("Manager: Shutting down")

	for _, l := range lines {
		l.cancel()
	}
	for _, l := range lines {
		<-l.done
	}

	m.logger.Info("Manager: Shutdown complete")
	return nil
}

// LineCount returns the number of lines
func (m *Manager) LineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lines)
}
