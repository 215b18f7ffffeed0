package serv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferbos/haquery/serv/internal/util"
	"github.com/spf13/viper"
)

// Configuration for the HAQuery service
type Config struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name"`

	// When enabled runs the service with production level defaults
	Production bool

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level"`

	// Logging Format: "auto" (colored console in dev, JSON in production),
	// "json" (always JSON), or "simple" (always colored console)
	LogFormat string `mapstructure:"log_format"`

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port"`

	// Host to run the service on
	Host string

	// Port to run the service on
	Port string

	// Database configuration
	Database Database `mapstructure:"database"`

	// Query safety policy configuration
	Safety Safety `mapstructure:"safety"`

	// Authentication for the external API surface
	Auth Auth `mapstructure:"auth"`

	// Sets the API rate limits for authenticated endpoints
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	// Upstream Home Assistant WebSocket API used by the bridge
	Upstream Upstream `mapstructure:"upstream"`

	// Supervisor API used for configuration validation and reload
	Supervisor Supervisor `mapstructure:"supervisor"`

	// Sets the HTTP CORS Access-Control-Allow-Origin header
	AllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// Sets the HTTP CORS Access-Control-Allow-Headers header
	AllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Enables debug logs for CORS
	DebugCORS bool `mapstructure:"cors_debug"`

	// Enable the WebSocket endpoint
	EnableWebsocket bool `mapstructure:"enable_websocket"`

	// Enable the authenticated external API surface
	EnableExternal bool `mapstructure:"enable_external_access"`

	hostPort string
	viper    *viper.Viper
}

// Database configuration
type Database struct {
	// Path to the recorder sqlite database. Empty enables auto-discovery
	// over the well-known add-on locations
	Path string

	// Create a seeded throwaway database when no recorder database exists
	CreateTestDB bool `mapstructure:"create_test_db"`
}

// Safety holds the query safety policy knobs. The permanently blocked
// verb set is compiled in and has no configuration here.
type Safety struct {
	// Allow INSERT/UPDATE/DELETE statements. SELECT is always allowed
	AllowMutations bool `mapstructure:"allow_mutations"`

	// Tables mutations may target. Empty allows every table
	AllowedTables []string `mapstructure:"allowed_tables"`
}

// Auth configuration for the external endpoints
type Auth struct {
	// Shared API key clients present as a bearer token. Empty disables
	// authentication for the deployment
	APIKey string `mapstructure:"api_key"`
}

// RateLimiter sets the fixed-window API rate limits
type RateLimiter struct {
	// Requests allowed per window per client
	Requests int

	// Window length
	Window time.Duration

	// The header that contains the client ip
	IPHeader string `mapstructure:"ip_header"`

	// Max number of distinct clients tracked at once
	MaxClients int `mapstructure:"max_clients"`
}

// Upstream points the bridge at the Home Assistant WebSocket API
type Upstream struct {
	// WebSocket URL, e.g. ws://supervisor/core/websocket
	URL string

	// Long-lived access token for the auth handshake
	Token string

	// How long a forwarded call may wait for its response
	Timeout time.Duration
}

// Supervisor points the config helpers at the Supervisor REST API
type Supervisor struct {
	URL   string
	Token string

	// Root directory YAML snippet writes are confined to
	ConfigRoot string `mapstructure:"config_root"`
}

// ReadInConfig function reads in the config file for the environment
// specified in the GO_ENV environment variable. This is the best way to
// create a new HAQuery config.
func ReadInConfig(configFile string) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HQ_") {
			kv := strings.SplitN(e, "=", 2)
			util.SetKeyValue(vi, kv[0], kv[1])
		}
	}

	config := &Config{viper: vi}

	if err := vi.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := config.mergeAddonOptions(); err != nil {
		return nil, err
	}
	return config, nil
}

// NewConfig function creates a new HAQuery configuration from the
// provided config string
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}
	return c, nil
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "HAQuery")
	vi.SetDefault("host_port", "0.0.0.0:8080")

	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("enable_websocket", true)
	vi.SetDefault("enable_external_access", true)

	vi.SetDefault("database.path", "")
	vi.SetDefault("database.create_test_db", true)

	vi.SetDefault("safety.allow_mutations", false)
	vi.SetDefault("safety.allowed_tables", []string{})

	vi.SetDefault("rate_limiter.requests", 100)
	vi.SetDefault("rate_limiter.window", time.Minute)
	vi.SetDefault("rate_limiter.max_clients", 10000)

	vi.SetDefault("upstream.url", "ws://supervisor/core/websocket")
	vi.SetDefault("upstream.timeout", 10*time.Second)

	vi.SetDefault("supervisor.url", "http://supervisor")
	vi.SetDefault("supervisor.config_root", "/config")

	vi.BindEnv("host", "HOST")                    //nolint:errcheck
	vi.BindEnv("port", "PORT")                    //nolint:errcheck
	vi.BindEnv("auth.api_key", "API_KEY")         //nolint:errcheck
	vi.BindEnv("database.path", "DATABASE_PATH")  //nolint:errcheck
	vi.BindEnv("upstream.token", "SUPERVISOR_TOKEN", "HA_TOKEN")   //nolint:errcheck
	vi.BindEnv("supervisor.token", "SUPERVISOR_TOKEN")             //nolint:errcheck

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// addonOptionsPath is where the add-on supervisor writes user options.
var addonOptionsPath = "/data/options.json"

// mergeAddonOptions overlays the add-on style options.json on top of
// the file/env configuration when it exists. Absence is not an error.
func (c *Config) mergeAddonOptions() error {
	b, err := os.ReadFile(addonOptionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var opts struct {
		Port                 *int     `json:"port"`
		DatabasePath         *string  `json:"database_path"`
		EnableExternalAccess *bool    `json:"enable_external_access"`
		APIKey               *string  `json:"api_key"`
		EnableWebsocket      *bool    `json:"enable_websocket"`
		RateLimit            *int     `json:"rate_limit"`
		AllowAllQueries      *bool    `json:"allow_all_queries"`
		AllowedTables        []string `json:"allowed_tables"`
	}
	if err := json.Unmarshal(b, &opts); err != nil {
		return fmt.Errorf("failed to decode %s, %v", addonOptionsPath, err)
	}

	if opts.Port != nil {
		c.Port = fmt.Sprintf("%d", *opts.Port)
	}
	if opts.DatabasePath != nil {
		c.Database.Path = *opts.DatabasePath
	}
	if opts.EnableExternalAccess != nil {
		c.EnableExternal = *opts.EnableExternalAccess
	}
	if opts.APIKey != nil {
		c.Auth.APIKey = *opts.APIKey
	}
	if opts.EnableWebsocket != nil {
		c.EnableWebsocket = *opts.EnableWebsocket
	}
	if opts.RateLimit != nil {
		c.RateLimiter.Requests = *opts.RateLimit
	}
	if opts.AllowAllQueries != nil {
		c.Safety.AllowMutations = *opts.AllowAllQueries
	}
	if opts.AllowedTables != nil {
		c.Safety.AllowedTables = opts.AllowedTables
	}
	return nil
}

// rateLimiterEnable returns true if the rate limiter is enabled
func (c *Config) rateLimiterEnable() bool {
	return c.RateLimiter.Requests > 0 && c.RateLimiter.Window > 0
}

// authEnabled returns true when an API key is configured. An empty key
// disables authentication for the whole deployment.
func (c *Config) authEnabled() bool {
	return c.Auth.APIKey != ""
}

// ShouldUseJSONLogs returns true if logs should be in JSON format.
// Returns true if log_format is "json" OR if log_format is "auto" and
// production mode is enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Production {
		return true
	}
	return false
}

// GetConfigName returns the name of the configuration
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
