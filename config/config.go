package config

import (
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Port          int    `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	FilesDir      string `yaml:"files_dir"`
	FilePortStart int    `yaml:"file_port_start"`
	WriteTimeout  int    `yaml:"write_timeout"` // seconds
}

// Load builds the configuration from defaults, then an optional YAML file
// named by CHAT_CONFIG, then individual environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          12989,
		DBPath:        "chat_clients.db",
		FilesDir:      "server_files",
		FilePortStart: 12395,
		WriteTimeout:  30,
	}

	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if portStr := os.Getenv("CHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("CHAT_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if filesDir := os.Getenv("CHAT_FILES_DIR"); filesDir != "" {
		cfg.FilesDir = filesDir
	}

	if portStr := os.Getenv("CHAT_FILE_PORT_START"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.FilePortStart = port
		}
	}

	if timeoutStr := os.Getenv("CHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	return cfg, nil
}
