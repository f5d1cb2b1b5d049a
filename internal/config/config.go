package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/patchvault/internal/database"
)

const (
	envPrefix = "PATCHVAULT"

	defaultOpenMode       = "read-write"
	defaultLogLevel       = "info"
	defaultWorkers        = 4
	defaultBackupMaxCount = 3
	defaultBackupMaxBytes = int64(500_000_000)
)

// AppConfig captures runtime configuration for the patch catalog.
type AppConfig struct {
	DatabasePath   string
	OpenMode       database.OpenMode
	LogLevel       string
	Workers        int
	BackupMaxCount int
	BackupMaxBytes int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	defaultPath, err := database.DefaultLocation()
	if err != nil {
		defaultPath = database.FileName
	}

	configViper.SetDefault("database.path", defaultPath)
	configViper.SetDefault("database.mode", defaultOpenMode)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("query.workers", defaultWorkers)
	configViper.SetDefault("backup.max_count", defaultBackupMaxCount)
	configViper.SetDefault("backup.max_bytes", defaultBackupMaxBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	mode, err := parseOpenMode(configViper.GetString("database.mode"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		DatabasePath:   configViper.GetString("database.path"),
		OpenMode:       mode,
		LogLevel:       configViper.GetString("log.level"),
		Workers:        configViper.GetInt("query.workers"),
		BackupMaxCount: configViper.GetInt("backup.max_count"),
		BackupMaxBytes: configViper.GetInt64("backup.max_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("query.workers must be at least 1")
	}
	if c.BackupMaxCount < 0 || c.BackupMaxBytes < 0 {
		return fmt.Errorf("backup limits must not be negative")
	}
	return nil
}

func parseOpenMode(raw string) (database.OpenMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "read-only", "ro":
		return database.ReadOnly, nil
	case "read-write", "rw", "":
		return database.ReadWrite, nil
	case "read-write-no-backups", "no-backups":
		return database.ReadWriteNoBackups, nil
	default:
		return 0, fmt.Errorf("database.mode %q is not one of read-only, read-write, read-write-no-backups", raw)
	}
}
