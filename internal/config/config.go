package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all node configuration (spec §6: Configuration keys).
type Config struct {
	TrackerAddresses []string // ordered list of configured tracker destinations

	DisplayName string // 1-32 chars after trim; announced to the tracker and meta-advertised
	DownloadPath string // directory for completed and .part files
	StorePath    string // path to the SQLite database file

	MaxParallelDownloads int

	AnnounceInterval time.Duration
	RefreshInterval  time.Duration
	ConnectionTimeout time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MinFreeSpaceBytes int64
	AutoResumeOnStart bool
	BandwidthCapBps   int // 0 disables the upload bandwidth cap

	// I2P SAM bridge address (transport adapter); not itself part of the
	// enumerated config keys in §6 but required to construct component C.
	SAMAddress string
}

// Load reads configuration from a key=value file and environment variables.
// Environment variables take precedence over file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		DisplayName:          "Anonymous",
		DownloadPath:         "./downloads",
		StorePath:            "./i2pshare.db",
		MaxParallelDownloads: 3,
		AnnounceInterval:     2 * time.Minute,
		RefreshInterval:      60 * time.Second,
		ConnectionTimeout:    120 * time.Second,
		MaxRetries:           5,
		RetryBaseDelay:       5 * time.Second,
		RetryMaxDelay:        60 * time.Second,
		MinFreeSpaceBytes:    100 * 1024 * 1024,
		AutoResumeOnStart:    true,
		SAMAddress:           "127.0.0.1:7656",
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()
	cfg.sanitizeDisplayName()

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "tracker_addresses":
			cfg.TrackerAddresses = splitList(value)
		case "display_name":
			cfg.DisplayName = value
		case "download_path":
			cfg.DownloadPath = value
		case "store_path":
			cfg.StorePath = value
		case "max_parallel_downloads":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.MaxParallelDownloads = n
			}
		case "announce_interval":
			cfg.AnnounceInterval = durationOr(value, cfg.AnnounceInterval)
		case "refresh_interval":
			cfg.RefreshInterval = durationOr(value, cfg.RefreshInterval)
		case "connection_timeout":
			cfg.ConnectionTimeout = durationOr(value, cfg.ConnectionTimeout)
		case "max_retries":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.MaxRetries = n
			}
		case "retry_base_delay":
			cfg.RetryBaseDelay = durationOr(value, cfg.RetryBaseDelay)
		case "retry_max_delay":
			cfg.RetryMaxDelay = durationOr(value, cfg.RetryMaxDelay)
		case "min_free_space_bytes":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.MinFreeSpaceBytes = n
			}
		case "auto_resume_on_start":
			cfg.AutoResumeOnStart = value == "true" || value == "1" || value == "yes"
		case "bandwidth_cap_bps":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.BandwidthCapBps = n
			}
		case "sam_address":
			cfg.SAMAddress = value
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("TRACKER_ADDRESSES"); v != "" {
		cfg.TrackerAddresses = splitList(v)
	}
	if v := os.Getenv("DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("DOWNLOAD_PATH"); v != "" {
		cfg.DownloadPath = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("MAX_PARALLEL_DOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelDownloads = n
		}
	}
	if v := os.Getenv("ANNOUNCE_INTERVAL"); v != "" {
		cfg.AnnounceInterval = durationOr(v, cfg.AnnounceInterval)
	}
	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		cfg.RefreshInterval = durationOr(v, cfg.RefreshInterval)
	}
	if v := os.Getenv("CONNECTION_TIMEOUT"); v != "" {
		cfg.ConnectionTimeout = durationOr(v, cfg.ConnectionTimeout)
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY"); v != "" {
		cfg.RetryBaseDelay = durationOr(v, cfg.RetryBaseDelay)
	}
	if v := os.Getenv("RETRY_MAX_DELAY"); v != "" {
		cfg.RetryMaxDelay = durationOr(v, cfg.RetryMaxDelay)
	}
	if v := os.Getenv("MIN_FREE_SPACE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MinFreeSpaceBytes = n
		}
	}
	if v := os.Getenv("AUTO_RESUME_ON_START"); v != "" {
		cfg.AutoResumeOnStart = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("BANDWIDTH_CAP_BPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BandwidthCapBps = n
		}
	}
	if v := os.Getenv("SAM_ADDRESS"); v != "" {
		cfg.SAMAddress = v
	}
}

// sanitizeDisplayName enforces the 1-32 char trim rule from spec §6,
// falling back to the default when the trimmed value is empty.
func (cfg *Config) sanitizeDisplayName() {
	name := strings.TrimSpace(cfg.DisplayName)
	if name == "" {
		name = "Anonymous"
	}
	if len(name) > 32 {
		name = name[:32]
	}
	cfg.DisplayName = name
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
