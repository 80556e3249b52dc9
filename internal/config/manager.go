package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Manager loads the matching configuration and hot-reloads it on file
// change. Readers take immutable snapshots; a reload swaps the snapshot
// atomically and never mutates one in place.
type Manager struct {
	viper      *viper.Viper
	logger     *zap.Logger
	mu         sync.RWMutex
	current    *MatchingConfig
	watchPaths []string
	watcher    *fsnotify.Watcher
	lastReload time.Time
	onReload   []func(*MatchingConfig)
}

// NewManager creates a configuration manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		viper:  viper.New(),
		logger: logger,
	}
}

// Load reads configuration from the given paths plus environment variables,
// validates it and starts the file watcher. Invalid configuration is fatal:
// the error must prevent the engine from starting.
func (m *Manager) Load(configPaths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Loading matching configuration", zap.Strings("paths", configPaths))

	m.viper.SetConfigType("yaml")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.SetEnvPrefix("TRADEMATCH")

	var loadedFiles []string
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		m.viper.SetConfigFile(path)
		if err := m.viper.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loadedFiles = append(loadedFiles, path)
		m.watchPaths = append(m.watchPaths, path)
	}
	if len(loadedFiles) == 0 {
		m.logger.Warn("No configuration files found, using defaults and environment variables")
	}

	cfg, err := m.unmarshalAndValidate()
	if err != nil {
		return err
	}

	if len(m.watchPaths) > 0 {
		if err := m.startWatcher(); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}

	m.current = cfg
	m.lastReload = time.Now()

	m.logger.Info("Configuration loaded",
		zap.Strings("files", loadedFiles),
		zap.Int("commodity_overrides", len(cfg.Commodities)))
	return nil
}

func (m *Manager) unmarshalAndValidate() (*MatchingConfig, error) {
	cfg := DefaultMatchingConfig()
	if err := m.viper.UnmarshalKey("matching", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Snapshot returns the current immutable configuration.
func (m *Manager) Snapshot() *MatchingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnReload registers a callback invoked after each successful hot reload.
func (m *Manager) OnReload(fn func(*MatchingConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	for _, path := range m.watchPaths {
		if err := watcher.Add(path); err != nil {
			m.logger.Warn("Failed to watch config file", zap.String("path", path), zap.Error(err))
		}
	}

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload(event.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

// reload re-reads and validates the configuration. A reload that fails
// validation keeps the previous snapshot: a running engine never downgrades
// to defaults because of a bad edit.
func (m *Manager) reload(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viper.SetConfigFile(path)
	if err := m.viper.MergeInConfig(); err != nil {
		m.logger.Error("Config reload read failed, keeping previous", zap.String("path", path), zap.Error(err))
		return
	}

	cfg, err := m.unmarshalAndValidate()
	if err != nil {
		m.logger.Error("Config reload validation failed, keeping previous", zap.String("path", path), zap.Error(err))
		return
	}

	m.current = cfg
	m.lastReload = time.Now()
	m.logger.Info("Configuration hot-reloaded", zap.String("path", path))

	for _, fn := range m.onReload {
		fn(cfg)
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
