package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendRaw      = "raw"
	BackendChromedp = "chromedp"
)

// HarvestConfig holds configuration for the token harvester binaries.
type HarvestConfig struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int
	Backend    string

	// Target page and the storage entries holding the session
	TargetURL      string
	PrimaryKey     string
	FallbackKey    string
	SiteConfigPath string

	// Navigation and read timing
	LoadTimeoutMS     int
	URLRetries        int
	URLRetryDelayMS   int
	AgentRetries      int
	AgentRetryDelayMS int
	EvalTimeoutMS     int
	CloseTimeoutMS    int

	// Controller API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	LogLevel       string
	LogFile        string
	NtfyEndpoint   string
	DiagnosticsDir string
	HistoryDir     string

	// Local browser
	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserHeadless   bool
}

// Load reads configuration from environment variables and an optional .env
// file. A site file named by HARVEST_SITE_CONFIG overrides the target page
// and storage keys; a missing site file is skipped.
func Load() (*HarvestConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &HarvestConfig{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		Backend:           strings.ToLower(getEnvOrDefault("HARVEST_CDP_BACKEND", BackendRaw)),
		TargetURL:         getEnvOrDefault("HARVEST_TARGET_URL", "https://lunarcrush.com/developers/api/coins"),
		PrimaryKey:        getEnvOrDefault("HARVEST_PRIMARY_KEY", "lunar-UserSettings"),
		FallbackKey:       getEnvOrDefault("HARVEST_FALLBACK_KEY", "lunar-temporary-session"),
		SiteConfigPath:    getEnvOrDefault("HARVEST_SITE_CONFIG", "./config/site.yaml"),
		LoadTimeoutMS:     getEnvIntOrDefault("HARVEST_LOAD_TIMEOUT_MS", 5000),
		URLRetries:        getEnvIntOrDefault("HARVEST_URL_RETRIES", 3),
		URLRetryDelayMS:   getEnvIntOrDefault("HARVEST_URL_RETRY_DELAY_MS", 100),
		AgentRetries:      getEnvIntOrDefault("HARVEST_AGENT_RETRIES", 5),
		AgentRetryDelayMS: getEnvIntOrDefault("HARVEST_AGENT_RETRY_DELAY_MS", 1000),
		EvalTimeoutMS:     getEnvIntOrDefault("HARVEST_EVAL_TIMEOUT_MS", 5000),
		CloseTimeoutMS:    getEnvIntOrDefault("HARVEST_CLOSE_TIMEOUT_MS", 5000),
		BindAddr:          getEnvOrDefault("HARVEST_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("HARVEST_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback:  getEnvBoolOrDefault("HARVEST_PORT_AUTO_FALLBACK", true),
		LogLevel:          strings.ToLower(getEnvOrDefault("HARVEST_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("HARVEST_LOG_FILE", "logs/harvester.log"),
		NtfyEndpoint:      getEnvOrDefault("HARVEST_NTFY_ENDPOINT", ""),
		DiagnosticsDir:    optional(getEnvOrDefault("HARVEST_DIAGNOSTICS_DIR", "./diagnostics")),
		HistoryDir:        optional(getEnvOrDefault("HARVEST_HISTORY_DIR", "./history")),
		LaunchBrowser:     getEnvBoolOrDefault("HARVEST_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("HARVEST_BROWSER_PROFILE_DIR", "./browser_profile"),
		BrowserHeadless:   getEnvBoolOrDefault("HARVEST_BROWSER_HEADLESS", true),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}

	site, err := LoadSite(cfg.SiteConfigPath)
	switch {
	case err == nil:
		cfg.ApplySite(site)
		slog.Debug("site config applied", "path", cfg.SiteConfigPath)
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("site config not found, using environment", "path", cfg.SiteConfigPath)
	default:
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the harvester cannot run with. The target URL is
// rewritten to the form the browser reports after loading it.
func (c *HarvestConfig) Validate() error {
	switch c.Backend {
	case BackendRaw, BackendChromedp:
	default:
		return fmt.Errorf("config: unknown CDP backend %q", c.Backend)
	}
	target, err := normalizeTargetURL(c.TargetURL)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.TargetURL = target
	if strings.TrimSpace(c.PrimaryKey) == "" {
		return errors.New("config: primary storage key is required")
	}
	if c.LoadTimeoutMS <= 0 {
		return fmt.Errorf("config: load timeout must be positive, got %d", c.LoadTimeoutMS)
	}
	if c.URLRetries < 1 {
		return fmt.Errorf("config: url retries must be at least 1, got %d", c.URLRetries)
	}
	if c.AgentRetries < 0 {
		return fmt.Errorf("config: agent retries must not be negative, got %d", c.AgentRetries)
	}
	if c.URLRetryDelayMS <= 0 || c.AgentRetryDelayMS <= 0 {
		return errors.New("config: retry delays must be positive")
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint of the browser.
func (c *HarvestConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *HarvestConfig) LoadTimeout() time.Duration {
	return ms(c.LoadTimeoutMS)
}

func (c *HarvestConfig) URLRetryDelay() time.Duration {
	return ms(c.URLRetryDelayMS)
}

func (c *HarvestConfig) AgentRetryDelay() time.Duration {
	return ms(c.AgentRetryDelayMS)
}

func (c *HarvestConfig) EvalTimeout() time.Duration {
	return ms(c.EvalTimeoutMS)
}

func (c *HarvestConfig) CloseTimeout() time.Duration {
	return ms(c.CloseTimeoutMS)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target url must be an absolute http(s) url, got %q", raw)
	}
	return nil
}

// normalizeTargetURL adds the root path the browser reports for a bare host,
// since loaded URLs are compared to the target by exact equality.
func normalizeTargetURL(raw string) (string, error) {
	if err := validateTargetURL(raw); err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Path != "" || u.RawPath != "" {
		return raw, nil
	}
	u.Path = "/"
	return u.String(), nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// optional maps "off" and "none" to an empty, disabled setting.
func optional(val string) string {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "off", "none":
		return ""
	}
	return val
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
