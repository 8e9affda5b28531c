package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tansive/console/internal/notify"
	"github.com/tansive/console/internal/session"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default name of the config file
const DefaultConfigFile = "config.yaml"

// Environment variables that override the config file.
const (
	EnvServerURL = "CONSOLE_SERVER_URL"
	EnvToken     = "CONSOLE_TOKEN"
)

// Config represents the configuration for the console CLI
// It contains server connection details and authentication information
type Config struct {
	// Version of the configuration file format
	Version string `yaml:"version"`
	// ServerURL is the URL of the console backend
	ServerURL string `yaml:"server_url" validate:"required,url"`
	// Token is the bearer token issued at login
	Token string `yaml:"token,omitempty"`
	// Username of the last successful login
	Username string `yaml:"username,omitempty"`
	// LoginPath is where an expired session sends the user
	LoginPath string `yaml:"login_path,omitempty"`
	// NoticeDuration is how long a notice stays visible, e.g. "4.5s"
	NoticeDuration string `yaml:"notice_duration,omitempty"`
	// Paths overrides the session endpoints
	Paths *session.Paths `yaml:"paths,omitempty"`

	mu   sync.Mutex
	file string
}

var validate = validator.New()

// GetDefaultConfigPath returns the default path for the config file
// It uses the OS-specific config directory (e.g., ~/.config/console on Linux)
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user config directory")
	}
	return filepath.Join(configDir, "console", DefaultConfigFile), nil
}

// LoadConfig loads the configuration from file. Values from a .env file in
// the working directory and from the process environment override the file.
func LoadConfig(file string) (*Config, error) {
	if file == "" {
		var err error
		file, err = GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	yamlStr, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	c := &Config{}
	if err = yaml.Unmarshal(yamlStr, c); err != nil {
		return nil, errors.Wrap(err, "unable to parse config file")
	}
	c.file = file

	// .env is optional; a missing file is not an error
	_ = godotenv.Load()
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}

	c.ServerURL = MorphServer(c.ServerURL)
	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteConfig writes the current configuration to the specified file
func (cfg *Config) WriteConfig(file string) error {
	if file == "" {
		return errors.New("file path cannot be empty")
	}

	err := os.MkdirAll(filepath.Dir(file), 0o700)
	if err != nil {
		return errors.Wrap(err, "unable to create config directory")
	}

	yamlStr, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "unable to generate configuration")
	}

	err = os.WriteFile(file, yamlStr, os.FileMode(0600))
	if err != nil {
		return errors.Wrap(err, "unable to write config file")
	}
	cfg.file = file
	return nil
}

// ValidateConfig checks for required fields and proper formatting
func (cfg *Config) ValidateConfig() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed on %q", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return errors.Wrap(err, "invalid config")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return errors.New("server must start with http:// or https://")
	}
	if _, err := cfg.noticeDuration(); err != nil {
		return err
	}
	return nil
}

// File returns the file the config was loaded from or last written to.
func (cfg *Config) File() string {
	return cfg.file
}

// MorphServer ensures the server URL is properly formatted
// Adds https:// prefix if missing and removes trailing slashes
func MorphServer(server string) string {
	if server == "" {
		return server
	}

	// Remove any trailing slashes
	server = strings.TrimRight(server, "/")

	// Add https:// if no protocol is specified
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}

	return server
}

// GetServerURL returns the properly formatted server URL
func (cfg *Config) GetServerURL() string {
	return MorphServer(cfg.ServerURL)
}

// GetToken returns the current token from the configuration
func (cfg *Config) GetToken() string {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	return cfg.Token
}

// SetToken stores token and persists the config when it has a file.
func (cfg *Config) SetToken(token string) error {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if cfg.Token == token {
		return nil
	}
	cfg.Token = token
	if token == "" {
		cfg.Username = ""
	}
	if cfg.file == "" {
		return nil
	}
	return cfg.WriteConfig(cfg.file)
}

// SessionPaths returns the configured session endpoints.
func (cfg *Config) SessionPaths() session.Paths {
	if cfg.Paths != nil {
		return *cfg.Paths
	}
	return session.DefaultPaths()
}

func (cfg *Config) noticeDuration() (time.Duration, error) {
	if cfg.NoticeDuration == "" {
		return notify.DefaultDuration, nil
	}
	d, err := time.ParseDuration(cfg.NoticeDuration)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid notice_duration %q", cfg.NoticeDuration)
	}
	return d, nil
}

// newConfigCmd creates the config command
func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Manage CLI configuration settings like the server URL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverFlag, _ := cmd.Flags().GetString("server")
			if serverFlag != "" {
				return setServerConfig(cmd, o, serverFlag)
			}

			cfg, err := LoadConfig(o.configFile)
			if err != nil {
				return err
			}
			if o.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"server":      cfg.ServerURL,
					"username":    cfg.Username,
					"logged_in":   cfg.Token != "",
					"config_file": cfg.File(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server: %s\n", cfg.ServerURL)
			if cfg.Username != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "User: %s\n", cfg.Username)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", cfg.File())
			return nil
		},
	}
	cmd.Flags().String("server", "", "Set the server URL (e.g., https://console.example.com)")
	return cmd
}

// setServerConfig sets the server in the config file and clears the token
func setServerConfig(cmd *cobra.Command, o *rootOptions, server string) error {
	configPath := o.configFile
	if configPath == "" {
		var err error
		configPath, err = GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	cfg := &Config{}
	if existing, err := LoadConfig(configPath); err == nil {
		cfg = existing
	}
	cfg.Version = "0.1.0"
	cfg.ServerURL = MorphServer(server)
	cfg.Token = ""
	cfg.Username = ""
	if err := cfg.ValidateConfig(); err != nil {
		return err
	}

	if err := cfg.WriteConfig(configPath); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	if o.jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"server":      cfg.ServerURL,
			"config_file": configPath,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server configured: %s\n", cfg.ServerURL)
	fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", configPath)
	return nil
}
