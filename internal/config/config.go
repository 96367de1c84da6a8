package config

import (
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	DataDir    string
	DBPath     string
	PlanDir    string
	BrowserURL string
	HTTPAddr   string
	Headless   bool
}

// New reads the application config from the environment. main loads .env
// first, so values there act as defaults for the process environment.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("SEGLOOP_DATA_DIR", filepath.Join(homeDir, ".segloop"))

	c := &Config{
		DataDir:    dataDir,
		DBPath:     getEnv("SEGLOOP_DB", filepath.Join(dataDir, "segloop.db")),
		PlanDir:    getEnv("SEGLOOP_PLAN_DIR", filepath.Join(dataDir, "plans")),
		BrowserURL: getEnv("SEGLOOP_BROWSER_URL", "https://grok.com/imagine"),
		HTTPAddr:   getEnv("SEGLOOP_HTTP_ADDR", "127.0.0.1:7717"),
		Headless:   getEnvBool("SEGLOOP_HEADLESS", false),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.PlanDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "segloop.log")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
