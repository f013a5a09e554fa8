package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Service
	DatabasePath string
	APIPort      int

	Files  FilesConfig
	Hash   HashConfig
	Backup BackupConfig
	Immich ImmichConfig
	Share  ShareConfig
	MQTT   MQTTConfig
	Watch  WatchConfig
}

// FilesConfig controls which files on a card qualify for backup.
type FilesConfig struct {
	Extensions []string // lowercase, with leading dot
	MinSize    int64    // bytes
}

// HashConfig controls content hashing.
type HashConfig struct {
	Algorithm string // xxh64, sha256, md5
	Workers   int    // concurrent hashers, clamped to 1-4
}

// BackupConfig controls pipeline behavior.
type BackupConfig struct {
	Parallel         bool          // upload to destinations concurrently per file
	ConcurrentFiles  int           // upload worker count
	QueueSize        int           // bounded work queue capacity
	VerifyChecksums  bool          // verify uploads after success
	MaxRetries       int           // attempts per file before terminal failure
	RetryDelay       time.Duration // delay between attempts
	ReachabilityPoll time.Duration // poll interval while a destination is down
	RequireApproval  bool          // hold insertions for operator approval
	ApprovalTTL      time.Duration // pending approvals expire after this
}

// ImmichConfig configures the media-asset server destination.
type ImmichConfig struct {
	Enabled bool
	URL     string
	APIKey  string
	Timeout time.Duration
}

// ShareConfig configures the network file share destination.
type ShareConfig struct {
	Enabled        bool
	Protocol       string // ftp, local
	Host           string
	Port           int
	Username       string
	Password       string
	Path           string // base directory on the share
	OrganizeByDate bool   // place files under YYYY/MM/DD
}

// MQTTConfig configures the Home Assistant status publisher.
type MQTTConfig struct {
	Enabled         bool
	Broker          string
	Port            int
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// WatchConfig configures mount point polling.
type WatchConfig struct {
	MountPoints  []string
	PollInterval time.Duration
}

var defaultExtensions = []string{
	".jpg", ".jpeg", ".png", ".raw", ".cr2", ".cr3", ".nef",
	".arw", ".dng", ".orf", ".rw2", ".pef", ".srw",
	".mp4", ".mov", ".avi", ".mkv", ".mts",
}

func Load() *Config {
	// Immich API key - warn early, Validate rejects it for real
	immichEnabled := getEnvBool("IMMICH_ENABLED", true)
	immichKey := getEnv("IMMICH_API_KEY", "")
	if immichEnabled && immichKey == "" {
		log.Println("WARNING: IMMICH_API_KEY not set - Immich uploads will be rejected at startup")
	}

	shareEnabled := getEnvBool("SHARE_ENABLED", true)
	sharePassword := getEnv("SHARE_PASSWORD", "")
	if shareEnabled && getEnv("SHARE_PROTOCOL", "ftp") == "ftp" && sharePassword == "" {
		log.Println("WARNING: SHARE_PASSWORD not set - FTP login will likely fail")
	}

	return &Config{
		DatabasePath: getEnv("DATABASE_PATH", "./snapvault.db"),
		APIPort:      getEnvInt("API_PORT", 8080),

		Files: FilesConfig{
			Extensions: getEnvList("FILE_EXTENSIONS", defaultExtensions),
			MinSize:    getEnvInt64("FILE_MIN_SIZE", 1024),
		},

		Hash: HashConfig{
			Algorithm: getEnv("HASH_ALGORITHM", "xxh64"),
			Workers:   getEnvInt("HASH_WORKERS", 2),
		},

		Backup: BackupConfig{
			Parallel:         getEnvBool("BACKUP_PARALLEL", true),
			ConcurrentFiles:  getEnvInt("BACKUP_CONCURRENT_FILES", 3),
			QueueSize:        getEnvInt("BACKUP_QUEUE_SIZE", 16),
			VerifyChecksums:  getEnvBool("BACKUP_VERIFY_CHECKSUMS", true),
			MaxRetries:       getEnvInt("BACKUP_MAX_RETRIES", 3),
			RetryDelay:       getEnvDuration("BACKUP_RETRY_DELAY", 5*time.Second),
			ReachabilityPoll: getEnvDuration("BACKUP_REACHABILITY_POLL", 10*time.Second),
			RequireApproval:  getEnvBool("BACKUP_REQUIRE_APPROVAL", false),
			ApprovalTTL:      getEnvDuration("BACKUP_APPROVAL_TTL", 10*time.Minute),
		},

		Immich: ImmichConfig{
			Enabled: immichEnabled,
			URL:     getEnv("IMMICH_URL", ""),
			APIKey:  immichKey,
			Timeout: getEnvDuration("IMMICH_TIMEOUT", 5*time.Minute),
		},

		Share: ShareConfig{
			Enabled:        shareEnabled,
			Protocol:       getEnv("SHARE_PROTOCOL", "ftp"),
			Host:           getEnv("SHARE_HOST", ""),
			Port:           getEnvInt("SHARE_PORT", 21),
			Username:       getEnv("SHARE_USERNAME", ""),
			Password:       sharePassword,
			Path:           getEnv("SHARE_PATH", "/backups"),
			OrganizeByDate: getEnvBool("SHARE_ORGANIZE_BY_DATE", true),
		},

		MQTT: MQTTConfig{
			Enabled:         getEnvBool("MQTT_ENABLED", false),
			Broker:          getEnv("MQTT_BROKER", "homeassistant.local"),
			Port:            getEnvInt("MQTT_PORT", 1883),
			Username:        getEnv("MQTT_USERNAME", ""),
			Password:        getEnv("MQTT_PASSWORD", ""),
			ClientID:        getEnv("MQTT_CLIENT_ID", "snapvault"),
			TopicPrefix:     getEnv("MQTT_TOPIC_PREFIX", "snapvault"),
			DiscoveryPrefix: getEnv("MQTT_DISCOVERY_PREFIX", "homeassistant"),
		},

		Watch: WatchConfig{
			MountPoints:  getEnvList("WATCH_MOUNT_POINTS", nil),
			PollInterval: getEnvDuration("WATCH_POLL_INTERVAL", 2*time.Second),
		},
	}
}

// Validate rejects configurations the pipeline cannot run with. A destination
// that is enabled but missing its connection settings is a startup error, never
// something to skip silently at upload time.
func (c *Config) Validate() error {
	if !c.Immich.Enabled && !c.Share.Enabled {
		return fmt.Errorf("no backup destinations enabled")
	}

	if c.Immich.Enabled {
		if c.Immich.URL == "" {
			return fmt.Errorf("IMMICH_URL is required when Immich is enabled")
		}
		if c.Immich.APIKey == "" {
			return fmt.Errorf("IMMICH_API_KEY is required when Immich is enabled")
		}
	}

	if c.Share.Enabled {
		switch c.Share.Protocol {
		case "ftp":
			if c.Share.Host == "" {
				return fmt.Errorf("SHARE_HOST is required for the ftp protocol")
			}
		case "local":
			if c.Share.Path == "" {
				return fmt.Errorf("SHARE_PATH is required for the local protocol")
			}
		default:
			return fmt.Errorf("unknown share protocol %q (expected ftp or local)", c.Share.Protocol)
		}
	}

	switch c.Hash.Algorithm {
	case "xxh64", "sha256", "md5":
	default:
		return fmt.Errorf("unknown hash algorithm %q", c.Hash.Algorithm)
	}

	if c.Backup.ConcurrentFiles < 1 {
		return fmt.Errorf("BACKUP_CONCURRENT_FILES must be at least 1")
	}
	if c.Backup.QueueSize < 1 {
		return fmt.Errorf("BACKUP_QUEUE_SIZE must be at least 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated list, lowercasing each entry.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
