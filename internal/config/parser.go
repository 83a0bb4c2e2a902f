// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/wp-packager/internal/models"
	"github.com/fgeck/wp-packager/internal/services/archive"
	"github.com/fgeck/wp-packager/internal/services/mysqldump"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("mysqldump.binary", mysqldump.DefaultBinary)
	v.SetDefault("mysqldump.extra_args", append([]string(nil), mysqldump.DefaultExtraArgs...))
	v.SetDefault("tar.binary", archive.DefaultBinary)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("dry_run", false)
	return &Parser{v: v}
}

// Defaults returns the configuration used when no settings file is given.
func Defaults() models.PackagerConfig {
	return models.PackagerConfig{
		Dump: models.DumpSettings{
			Binary:    mysqldump.DefaultBinary,
			ExtraArgs: append([]string(nil), mysqldump.DefaultExtraArgs...),
		},
		Archive: models.ArchiveSettings{Binary: archive.DefaultBinary},
	}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.PackagerConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.PackagerConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.PackagerConfig, error) {
	cfg := &models.PackagerConfig{
		Output:  p.expandEnv(p.v.GetString("output")),
		DryRun:  p.v.GetBool("dry_run"),
		Timeout: p.v.GetDuration("timeout"),
		Dump: models.DumpSettings{
			Binary:    p.v.GetString("mysqldump.binary"),
			ExtraArgs: p.v.GetStringSlice("mysqldump.extra_args"),
		},
		Archive: models.ArchiveSettings{
			Binary: p.v.GetString("tar.binary"),
		},
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	// Parse optional remote config.
	if p.v.IsSet("remote") { //nolint:nestif // config parsing with defaults
		cfg.Remote = &models.RemoteConfig{
			Host:       p.v.GetString("remote.host"),
			Port:       p.v.GetInt("remote.port"),
			Username:   p.v.GetString("remote.username"),
			KeyPath:    p.expandEnv(p.v.GetString("remote.key_path")),
			KnownHosts: p.expandEnv(p.v.GetString("remote.known_hosts")),
			Path:       p.v.GetString("remote.path"),
		}

		if cfg.Remote.Host == "" {
			return nil, fmt.Errorf("remote.host is required when remote is configured")
		}
		if cfg.Remote.Port == 0 {
			cfg.Remote.Port = 22
		}
		if cfg.Remote.Username == "" {
			cfg.Remote.Username = "root"
		}
		if cfg.Remote.KeyPath == "" {
			return nil, fmt.Errorf("remote.key_path is required when remote is configured")
		}
		if cfg.Remote.Path == "" {
			return nil, fmt.Errorf("remote.path is required when remote is configured")
		}

		if p.v.IsSet("remote.wol") {
			wol, err := p.parseWOL()
			if err != nil {
				return nil, err
			}
			cfg.Remote.WOL = wol
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) parseWOL() (*models.WOLConfig, error) {
	wol := &models.WOLConfig{
		MACAddress:    p.v.GetString("remote.wol.mac_address"),
		BroadcastIP:   p.v.GetString("remote.wol.broadcast_ip"),
		Timeout:       p.v.GetDuration("remote.wol.timeout"),
		PollInterval:  p.v.GetDuration("remote.wol.poll_interval"),
		StabilizeWait: p.v.GetDuration("remote.wol.stabilize_wait"),
	}

	if wol.MACAddress == "" {
		return nil, fmt.Errorf("remote.wol.mac_address is required when wol is configured")
	}

	// Set defaults.
	if wol.BroadcastIP == "" {
		wol.BroadcastIP = "255.255.255.255"
	}
	if wol.Timeout == 0 {
		wol.Timeout = 5 * time.Minute
	}
	if wol.PollInterval == 0 {
		wol.PollInterval = 10 * time.Second
	}
	if wol.StabilizeWait == 0 {
		wol.StabilizeWait = 10 * time.Second
	}

	return wol, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the final configuration, after flags have
// been applied.
func Validate(cfg *models.PackagerConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Output == "" {
		return fmt.Errorf("output directory is required (--output or output in the config file)")
	}

	if cfg.Dump.Binary == "" {
		return fmt.Errorf("mysqldump.binary must not be empty")
	}

	if cfg.Archive.Binary == "" {
		return fmt.Errorf("tar.binary must not be empty")
	}

	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}
