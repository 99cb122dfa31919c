package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node configuration. Defaults match the deployed
// constants; config.yaml overrides defaults and environment variables
// override both.
type Config struct {
	HTTPHost      string `yaml:"http_host"`
	HTTPPort      int    `yaml:"http_port"`
	AdvertiseHost string `yaml:"advertise_host"` // autodetected when empty

	DiscoveryPort    int           `yaml:"discovery_port"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	PeerEvictAfter   time.Duration `yaml:"peer_evict_after"`

	DeviceStaleAfter time.Duration `yaml:"device_stale_after"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	Sectors []int  `yaml:"sectors"`
	DBPath  string `yaml:"db_path"`

	PrettyLog bool `yaml:"pretty_log"`
}

func defaultConfig() Config {
	return Config{
		HTTPHost:         "0.0.0.0",
		HTTPPort:         8000,
		DiscoveryPort:    9999,
		AnnounceInterval: 2 * time.Second,
		PeerEvictAfter:   10 * time.Second,
		DeviceStaleAfter: 15 * time.Second,
		SweepInterval:    5 * time.Second,
		Sectors:          []int{1, 2, 3},
		DBPath:           "data/race.db",
	}
}

// loadConfig builds the effective configuration. A missing config file
// is fine; a malformed one is not.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.HTTPPort = getEnvAsInt("BACKEND_PORT", cfg.HTTPPort)
	cfg.DiscoveryPort = getEnvAsInt("DISCOVERY_PORT", cfg.DiscoveryPort)
	cfg.HTTPHost = getEnv("BACKEND_HOST", cfg.HTTPHost)
	cfg.AdvertiseHost = getEnv("ADVERTISE_HOST", cfg.AdvertiseHost)
	cfg.DBPath = getEnv("RACEFLAGS_DB", cfg.DBPath)
	if len(cfg.Sectors) == 0 {
		cfg.Sectors = []int{1, 2, 3}
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
