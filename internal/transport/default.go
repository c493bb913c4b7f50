package transport

import (
	"sync"

	"github.com/mossy-p/collab-relay/internal/models"
)

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Init creates the process-wide manager. Later calls return the existing
// one and ignore cfg.
func Init(cfg Config) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = New(cfg)
	}
	return defaultManager
}

// Get returns the process-wide manager, or ErrNotInitialized before Init.
func Get() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		return nil, models.ErrNotInitialized
	}
	return defaultManager, nil
}

// Teardown closes the process-wide manager. Init may be called again
// afterwards.
func Teardown() {
	defaultMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultMu.Unlock()

	if m != nil {
		m.Close()
	}
}
