package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"

// Operation modes for inbound activities that trip an intake policy.
const (
	OpeModeIgnore = "ignore"
	OpeModeLazy   = "lazy"
)

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		SslDomain  string `yaml:"sslDomain"`
		WithAp     bool   `yaml:"withAp"`
		DbDriver   string `yaml:"dbDriver"`
		DbDsn      string `yaml:"dbDsn"`
		PolicyFile string `yaml:"policyFile"`
		UserAgent  string `yaml:"userAgent"`
		LogLevel   string `yaml:"logLevel"`
	}
	Federation struct {
		InboxMassDelOpeMode     string `yaml:"inboxMassDelOpeMode"`
		InboxForeignLikeOpeMode string `yaml:"inboxForeignLikeOpeMode"`
		SyncDelivery            bool   `yaml:"syncDelivery"`
		InboxWorkers            int    `yaml:"inboxWorkers"`
		ClockSkewSeconds        int    `yaml:"clockSkewSeconds"`
	}
}

func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig
	}

	return ParseConf(buf)
}

// ParseConf decodes yaml on top of the embedded defaults and applies FEDCORE_* overrides.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("FEDCORE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDCORE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Ignoring FEDCORE_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("FEDCORE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDCORE_WITH_AP"); v != "" {
		c.Conf.WithAp = v == "true"
	}
	if v := os.Getenv("FEDCORE_DB_DRIVER"); v != "" {
		c.Conf.DbDriver = v
	}
	if v := os.Getenv("FEDCORE_DB_DSN"); v != "" {
		c.Conf.DbDsn = v
	}
	if v := os.Getenv("FEDCORE_POLICY_FILE"); v != "" {
		c.Conf.PolicyFile = v
	}
	if v := os.Getenv("FEDCORE_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("FEDCORE_INBOX_MASSDEL_MODE"); v != "" {
		c.Federation.InboxMassDelOpeMode = v
	}
	if v := os.Getenv("FEDCORE_INBOX_FOREIGNLIKE_MODE"); v != "" {
		c.Federation.InboxForeignLikeOpeMode = v
	}
	if v := os.Getenv("FEDCORE_SYNC_DELIVERY"); v != "" {
		c.Federation.SyncDelivery = v == "true"
	}
}

func (c *AppConfig) validate() error {
	for key, mode := range map[string]string{
		"inboxMassDelOpeMode":     c.Federation.InboxMassDelOpeMode,
		"inboxForeignLikeOpeMode": c.Federation.InboxForeignLikeOpeMode,
	} {
		if mode != OpeModeIgnore && mode != OpeModeLazy {
			return fmt.Errorf("invalid %s %q: must be %q or %q", key, mode, OpeModeIgnore, OpeModeLazy)
		}
	}
	switch c.Conf.DbDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported dbDriver %q", c.Conf.DbDriver)
	}
	if c.Federation.InboxWorkers < 1 {
		c.Federation.InboxWorkers = 1
	}
	return nil
}

// BaseURL is the public https origin of this server.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.SslDomain
}
