package settings

import (
	"sync"

	"github.com/eencloud/goeen/log"
)

// Manager holds the active settings and lets the daemon react to reloads
// without restarting.
type Manager struct {
	sync.RWMutex
	logger     *log.Logger
	current    Settings
	changeChan chan struct{}
}

// NewManager loads the environment and returns a manager around the result.
func NewManager(logger *log.Logger) (*Manager, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:     logger,
		current:    cfg,
		changeChan: make(chan struct{}, 1),
	}, nil
}

// Current returns a copy of the active settings.
func (m *Manager) Current() Settings {
	m.RLock()
	defer m.RUnlock()
	return m.current
}

// Reload re-reads the environment. Invalid settings are rejected and the
// previous ones stay active.
func (m *Manager) Reload() error {
	cfg, err := Load()
	if err != nil {
		m.logger.Warningf("Settings reload rejected: %v", err)
		return err
	}

	m.Lock()
	m.current = cfg
	m.Unlock()

	m.logger.Infof("Settings reloaded: device %s at %s:%d, %d machines",
		cfg.Fiscal.Kind, cfg.Fiscal.Host, cfg.Fiscal.Port, len(cfg.Poll.CcmIDs))
	m.notifyChange()
	return nil
}

// Changes returns a channel that signals when settings have been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
