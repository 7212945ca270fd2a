// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// AppConfig holds all process-wide configuration.
// It is instantiated by NewConfig() and passed to components that need it
// (dependency injection); there is no global settings object.
type AppConfig struct {
	// Database. When DBHost is set the postgres driver is used, otherwise
	// the sqlite file named by DBName.
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`

	RequireAuthentication bool `mapstructure:"require_authentication"`

	// WorkspaceLocation is the root under which per-project workspaces are
	// created (<workspace_location>/projects/<slug>-<uuid8>).
	WorkspaceLocation string `mapstructure:"workspace_location"`

	// ConfigDir is the name of the per-project configuration subdirectory
	// looked up inside a project codebase.
	ConfigDir string `mapstructure:"config_dir"`

	// Processes is the worker count hint: -1 disables threading and
	// multiprocessing, 0 disables multiprocessing only, positive values
	// size the scheduler worker pool and are passed to step bodies.
	Processes int `mapstructure:"processes"`

	// Async selects the scheduler backend: false executes runs inline,
	// true enqueues them on the Redis-backed job queue.
	Async bool `mapstructure:"async"`

	// TaskTimeout caps total pipeline execution per run. Accepts Go
	// duration strings ("1h30m", "5s") and bare integers meaning seconds.
	TaskTimeout     string `mapstructure:"task_timeout"`
	ScanFileTimeout int    `mapstructure:"scan_file_timeout"`
	ScanMaxFileSize int64  `mapstructure:"scan_max_file_size"`

	PipelinesDirs []string `mapstructure:"pipelines_dirs"`
	PoliciesFile  string   `mapstructure:"policies_file"`

	PaginateBy      map[string]int `mapstructure:"paginate_by"`
	RESTAPIPageSize int            `mapstructure:"rest_api_page_size"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// SiteURL is the fully qualified base URL of this deployment, required
	// for webhook payloads carrying absolute project URLs.
	SiteURL  string `mapstructure:"site_url"`
	TimeZone string `mapstructure:"time_zone"`

	GlobalWebhook GlobalWebhookConfig `mapstructure:"global_webhook"`

	// Fetch authentication, host-keyed. See ParseHostCredentials and
	// ParseHostHeaders for the accepted syntax.
	FetchBasicAuth         string `mapstructure:"fetch_basic_auth"`
	FetchDigestAuth        string `mapstructure:"fetch_digest_auth"`
	FetchHeaders           string `mapstructure:"fetch_headers"`
	NetrcLocation          string `mapstructure:"netrc_location"`
	SkopeoCredentials      string `mapstructure:"skopeo_credentials"`
	SkopeoAuthfileLocation string `mapstructure:"skopeo_authfile_location"`

	// Job queue (queue mode only).
	RQRedisHost           string `mapstructure:"rq_redis_host"`
	RQRedisPort           int    `mapstructure:"rq_redis_port"`
	RQRedisDB             int    `mapstructure:"rq_redis_db"`
	RQRedisUsername       string `mapstructure:"rq_redis_username"`
	RQRedisPassword       string `mapstructure:"rq_redis_password"`
	RQRedisDefaultTimeout int    `mapstructure:"rq_redis_default_timeout"`
	RQRedisSSL            bool   `mapstructure:"rq_redis_ssl"`

	// Optional package vulnerability lookup service used by the
	// find_vulnerabilities pipeline.
	VulnerableCodeURL    string `mapstructure:"vulnerablecode_url"`
	VulnerableCodeAPIKey string `mapstructure:"vulnerablecode_api_key"`

	// REST API server.
	ServerHost  string   `mapstructure:"server_host"`
	ServerPort  int      `mapstructure:"server_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Docker daemon used by the container-image puller. Empty selects the
	// environment defaults (DOCKER_HOST etc.).
	DockerHost string `mapstructure:"docker_host"`
}

// GlobalWebhookConfig is the process-wide webhook template applied to new
// projects when enabled. TargetURL empty means disabled.
type GlobalWebhookConfig struct {
	TargetURL        string `mapstructure:"target_url"`
	TriggerOnEachRun bool   `mapstructure:"trigger_on_each_run"`
	IncludeSummary   bool   `mapstructure:"include_summary"`
	IncludeResults   bool   `mapstructure:"include_results"`
}

// Enabled reports whether new projects get an automatic subscription.
func (g GlobalWebhookConfig) Enabled() bool {
	return g.TargetURL != ""
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/depvet/")
		v.AddConfigPath("$HOME/.depvet")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("DEPVET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// Values found in the config file or env vars overwrite the defaults.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		DBPort:     5432,
		DBName:     "depvet.db",
		DBUser:     "depvet",
		ConfigDir:  ".scancode",
		Processes:  2,
		Async:      false,
		TaskTimeout: "24h",
		ScanFileTimeout: 120,

		WorkspaceLocation: "./var/depvet",

		PaginateBy: map[string]int{
			"project":    20,
			"error":      50,
			"resource":   100,
			"package":    100,
			"dependency": 100,
			"relation":   100,
		},
		RESTAPIPageSize: 50,

		LogLevel: "INFO",
		LogFile:  "./logs/depvet.log",
		TimeZone: "UTC",

		RQRedisHost:           "localhost",
		RQRedisPort:           6379,
		RQRedisDB:             0,
		RQRedisDefaultTimeout: 360,

		ServerHost: "127.0.0.1",
		ServerPort: 8080,
	}
}

// expandPaths expands ~ and environment variables in path configuration values.
func (c *AppConfig) expandPaths() {
	c.WorkspaceLocation = expandPath(c.WorkspaceLocation)
	c.PoliciesFile = expandPath(c.PoliciesFile)
	c.NetrcLocation = expandPath(c.NetrcLocation)
	c.SkopeoAuthfileLocation = expandPath(c.SkopeoAuthfileLocation)
	c.LogFile = expandPath(c.LogFile)
	c.DockerHost = expandPath(c.DockerHost)
	for i, dir := range c.PipelinesDirs {
		c.PipelinesDirs[i] = expandPath(dir)
	}
}

// expandPath expands ~ to home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("%w: invalid log level: %s", errdefs.ErrBadConfig, c.LogLevel)
	}

	if c.WorkspaceLocation == "" {
		return fmt.Errorf("%w: workspace_location is required", errdefs.ErrBadConfig)
	}

	if c.Processes < -1 {
		return fmt.Errorf("%w: processes must be >= -1, got %d", errdefs.ErrBadConfig, c.Processes)
	}

	if _, err := c.ParseTaskTimeout(); err != nil {
		return err
	}

	if c.ScanFileTimeout < 0 {
		return fmt.Errorf("%w: scan_file_timeout must be >= 0", errdefs.ErrBadConfig)
	}

	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: invalid server port: %d", errdefs.ErrBadConfig, c.ServerPort)
	}

	for model, size := range c.PaginateBy {
		if size <= 0 {
			return fmt.Errorf("%w: paginate_by.%s must be positive", errdefs.ErrBadConfig, model)
		}
	}

	if c.SiteURL != "" {
		parsed, err := url.Parse(c.SiteURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: site_url must be a fully qualified URL, got %q", errdefs.ErrBadConfig, c.SiteURL)
		}
	}

	if c.GlobalWebhook.Enabled() {
		if _, err := url.Parse(c.GlobalWebhook.TargetURL); err != nil {
			return fmt.Errorf("%w: global_webhook.target_url: %v", errdefs.ErrBadConfig, err)
		}
	}

	return nil
}

// --- Derived accessors ---

// GetDSN returns the database connection string. A configured db_host
// selects postgres; otherwise the sqlite file named by db_name is used.
func (c *AppConfig) GetDSN() string {
	if c.DBHost != "" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
	}
	dsn := c.DBName
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	return dsn
}

// UsesPostgres reports whether the postgres driver should be used.
func (c *AppConfig) UsesPostgres() bool {
	return c.DBHost != ""
}

// RedisAddr returns the host:port of the queue-mode Redis server.
func (c *AppConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RQRedisHost, c.RQRedisPort)
}

// ProjectsRoot returns the directory that holds all project workspaces.
func (c *AppConfig) ProjectsRoot() string {
	return filepath.Join(c.WorkspaceLocation, "projects")
}

// ParseTaskTimeout parses the configured task_timeout.
func (c *AppConfig) ParseTaskTimeout() (time.Duration, error) {
	return ParseDuration(c.TaskTimeout)
}

// WorkerCount converts the processes hint into a scheduler pool size.
func (c *AppConfig) WorkerCount() int {
	if c.Processes <= 0 {
		return 1
	}
	return c.Processes
}

// ProjectURL composes the absolute REST URL of a project, used by webhook
// payloads. Returns a path-only URL when site_url is not configured.
func (c *AppConfig) ProjectURL(projectUUID string) string {
	path := fmt.Sprintf("/api/projects/%s/", projectUUID)
	if c.SiteURL == "" {
		return path
	}
	return strings.TrimRight(c.SiteURL, "/") + path
}

// ParseDuration accepts Go duration strings ("1h30m", "5s") plus bare
// integers interpreted as seconds. Anything else is a BadConfig error.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", errdefs.ErrBadConfig)
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative duration %q", errdefs.ErrBadConfig, s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot parse duration %q", errdefs.ErrBadConfig, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative duration %q", errdefs.ErrBadConfig, s)
	}
	return d, nil
}
