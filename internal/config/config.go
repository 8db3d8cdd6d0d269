package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Which backend the daemon plays: "stream" or "library"
	Source string

	// Output format template for the now command
	// Default: "{{.Artist}} - {{.Title}}"
	OutputFormat string

	// Fixed display width for the now command (0 disables padding)
	OutputWidth int

	// Marquee scrolling for now output longer than OutputWidth
	MarqueeEnabled   bool
	MarqueeSpeed     int
	MarqueeSeparator string

	// Path of the JSON file the daemon mirrors now-playing state into
	StateFile string

	// Path of the SQLite play log
	StatsDB string

	LogLevel string

	Stream  StreamConfig
	Library LibraryConfig
	Audio   AudioConfig
	Discord DiscordConfig
	Ikura   IkuraConfig

	v *viper.Viper
}

// StreamConfig holds radio stream specific configuration
type StreamConfig struct {
	GatewayURL string
	StreamURL  string
	APIURL     string
	CoverURL   string
	Username   string
	Password   string
	AutoLogin  bool
}

// LibraryConfig holds local library specific configuration
type LibraryConfig struct {
	Path      string
	Playlist  string
	Shuffle   string
	Normalise bool
}

// AudioConfig holds playback volume configuration
type AudioConfig struct {
	Volume       int
	Muted        bool
	ScalePercent int
}

// DiscordConfig holds Rich Presence configuration
type DiscordConfig struct {
	Enabled bool
	AppID   string
	Token   string
}

// IkuraConfig holds ikurabot scrobble relay configuration
type IkuraConfig struct {
	Enabled         bool
	Address         string
	Password        string
	AllowedNetworks []string
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	v.SetDefault("source", "stream")
	v.SetDefault("output_format", "{{.Artist}} - {{.Title}}")
	v.SetDefault("output_width", 0)
	v.SetDefault("marquee_enabled", false)
	v.SetDefault("marquee_speed", 2)
	v.SetDefault("marquee_separator", "   ")
	v.SetDefault("state_file", filepath.Join(configDir, "now.json"))
	v.SetDefault("stats_db", filepath.Join(configDir, "stats.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("stream.auto_login", true)
	v.SetDefault("library.shuffle", "random")
	v.SetDefault("library.normalise", false)
	v.SetDefault("audio.volume", 50)
	v.SetDefault("audio.muted", false)
	v.SetDefault("audio.scale_percent", 100)
	v.SetDefault("discord.enabled", false)
	v.SetDefault("ikura.enabled", false)

	// optional - don't fail if missing
	_ = v.ReadInConfig()

	v.SetEnvPrefix("HIBIKI")
	v.AutomaticEnv()

	cfg := fromViper(v)
	cfg.v = v
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Source:           v.GetString("source"),
		OutputFormat:     v.GetString("output_format"),
		OutputWidth:      v.GetInt("output_width"),
		MarqueeEnabled:   v.GetBool("marquee_enabled"),
		MarqueeSpeed:     v.GetInt("marquee_speed"),
		MarqueeSeparator: v.GetString("marquee_separator"),
		StateFile:        v.GetString("state_file"),
		StatsDB:          v.GetString("stats_db"),
		LogLevel:         v.GetString("log_level"),
		Stream: StreamConfig{
			GatewayURL: v.GetString("stream.gateway_url"),
			StreamURL:  v.GetString("stream.stream_url"),
			APIURL:     v.GetString("stream.api_url"),
			CoverURL:   v.GetString("stream.cover_url"),
			Username:   v.GetString("stream.username"),
			Password:   v.GetString("stream.password"),
			AutoLogin:  v.GetBool("stream.auto_login"),
		},
		Library: LibraryConfig{
			Path:      v.GetString("library.path"),
			Playlist:  v.GetString("library.playlist"),
			Shuffle:   v.GetString("library.shuffle"),
			Normalise: v.GetBool("library.normalise"),
		},
		Audio: AudioConfig{
			Volume:       v.GetInt("audio.volume"),
			Muted:        v.GetBool("audio.muted"),
			ScalePercent: v.GetInt("audio.scale_percent"),
		},
		Discord: DiscordConfig{
			Enabled: v.GetBool("discord.enabled"),
			AppID:   v.GetString("discord.app_id"),
			Token:   v.GetString("discord.token"),
		},
		Ikura: IkuraConfig{
			Enabled:         v.GetBool("ikura.enabled"),
			Address:         v.GetString("ikura.address"),
			Password:        v.GetString("ikura.password"),
			AllowedNetworks: v.GetStringSlice("ikura.allowed_networks"),
		},
	}
}

var saveMu sync.Mutex

// Set updates a single key and persists it, so settings changed at
// runtime (volume, mute, shuffle) survive restarts.
func (c *Config) Set(key string, value any) error {
	if c.v == nil {
		return nil
	}
	saveMu.Lock()
	defer saveMu.Unlock()

	c.v.Set(key, value)
	configFile := filepath.Join(getConfigDir(), "config.yaml")
	return c.v.WriteConfigAs(configFile)
}

// Watch re-reads the config file on change and hands the fresh Config
// to onChange.
func (c *Config) Watch(onChange func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(fsnotify.Event) {
		fresh := fromViper(c.v)
		fresh.v = c.v
		onChange(fresh)
	})
	c.v.WatchConfig()
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "hibiki")
	_ = os.MkdirAll(configDir, 0755)
	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}
