package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"gopkg.in/yaml.v3"
)

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
	listeners  []func(*Config)
	overrides  []func(*Config)
}

// DefaultPath returns $HOME/.config/kgcapture/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "kgcapture", "config.yaml"), nil
}

// NewManager creates a new configuration manager.
// A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("targets", len(m.config.Targets)).
		Msg("Config loaded")

	return m, nil
}

// NewMemoryManager returns a manager that never touches disk
func NewMemoryManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = Defaults()
	}
	cfg.normalize()
	return &Manager{config: cfg}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := applyOverrides(cfg, m.overrides); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// applyOverrides runs fns over cfg in registration order and re-validates
func applyOverrides(cfg *Config, fns []func(*Config)) error {
	if len(fns) == 0 {
		return nil
	}
	for _, fn := range fns {
		fn(cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config after overrides: %w", err)
	}
	return nil
}

// Parse decodes YAML, fills defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Reload re-reads the file and notifies listeners
func (m *Manager) Reload() error {
	if m.configPath == "" {
		return nil
	}
	if err := m.load(); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	return m.config.Clone()
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	if m.configPath == "" {
		return nil
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}
	return m.write(cfg)
}

func (m *Manager) write(cfg *Config) error {
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update persists cfg and makes it current. Overrides stay in effect on top of it
// and are never written to the file.
func (m *Manager) Update(cfg *Config) error {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	effective := cfg.Clone()
	m.mu.RLock()
	err := applyOverrides(effective, m.overrides)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if m.configPath != "" {
		if err := m.write(cfg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.config = effective
	m.mu.Unlock()
	m.notify()
	return nil
}

// Override applies an in-memory change that is not written back to disk.
// CLI flags and environment variables go through here. The change is
// re-applied after every Reload and Update.
func (m *Manager) Override(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config.Clone()
	fn(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	m.overrides = append(m.overrides, fn)
	return nil
}

// OnChange registers a callback invoked after Reload or Update
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.RLock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.RUnlock()

	cfg := m.Get()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
