package app

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Settings are the operator-tunable coordination knobs, kept in an INI file
// next to the process so they survive restarts and admin changes.
type Settings struct {
	MaxConcurrentClients int
	HeartbeatInterval    int // seconds
	MaxInactiveMinutes   int
}

func defaultSettings() Settings {
	return Settings{
		MaxConcurrentClients: 2,
		HeartbeatInterval:    30,
		MaxInactiveMinutes:   10,
	}
}

const settingsSection = "server"

// LoadSettings reads the INI file, creating it with defaults when absent.
// Out-of-range values fall back to their defaults.
func LoadSettings(path string) (Settings, error) {
	def := defaultSettings()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeSettings(path, def); err != nil {
			return Settings{}, err
		}
		return def, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return Settings{}, fmt.Errorf("load %s: %w", path, err)
	}
	sec := f.Section(settingsSection)

	s := Settings{
		MaxConcurrentClients: sec.Key("max_concurrent_clients").MustInt(def.MaxConcurrentClients),
		HeartbeatInterval:    sec.Key("heartbeat_interval").MustInt(def.HeartbeatInterval),
		MaxInactiveMinutes:   sec.Key("max_inactive_minutes").MustInt(def.MaxInactiveMinutes),
	}
	if s.MaxConcurrentClients < 1 || s.MaxConcurrentClients > 10 {
		s.MaxConcurrentClients = def.MaxConcurrentClients
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = def.HeartbeatInterval
	}
	if s.MaxInactiveMinutes <= 0 {
		s.MaxInactiveMinutes = def.MaxInactiveMinutes
	}
	return s, nil
}

// SaveMaxConcurrent rewrites only the concurrency key, preserving whatever
// else the operator keeps in the file.
func SaveMaxConcurrent(path string, n int) error {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	f.Section(settingsSection).Key("max_concurrent_clients").SetValue(fmt.Sprintf("%d", n))
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func writeSettings(path string, s Settings) error {
	f := ini.Empty()
	sec := f.Section(settingsSection)
	sec.Key("max_concurrent_clients").SetValue(fmt.Sprintf("%d", s.MaxConcurrentClients))
	sec.Key("heartbeat_interval").SetValue(fmt.Sprintf("%d", s.HeartbeatInterval))
	sec.Key("max_inactive_minutes").SetValue(fmt.Sprintf("%d", s.MaxInactiveMinutes))
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}
