// matrix-appservice-bot - A Matrix application service bot framework.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/autojoin"
	"github.com/lrhodin/matrix-appservice-bot/pkg/policy"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Homeserver   HomeserverConfig  `yaml:"homeserver"`
	Appservice   AppserviceConfig  `yaml:"appservice"`
	Bot          BotConfig         `yaml:"bot"`
	Transactions TransactionConfig `yaml:"transactions"`
	Policy       policy.Rules      `yaml:"policy"`
	Database     dbutil.Config     `yaml:"database"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppserviceConfig struct {
	ID           string   `yaml:"id"`
	Address      string   `yaml:"address"`
	BotUsername  string   `yaml:"bot_username"`
	ManagedUsers []string `yaml:"managed_users"`
	ASToken      string   `yaml:"as_token"`
	HSToken      string   `yaml:"hs_token"`

	managedUsers []*regexp.Regexp
}

type umAppserviceConfig AppserviceConfig

func (c *AppserviceConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umAppserviceConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *AppserviceConfig) PostProcess() (err error) {
	c.managedUsers, err = autojoin.CompilePatterns(c.ManagedUsers)
	return
}

type EventSource string

const (
	EventSourcePush EventSource = "push"
	EventSourceSync EventSource = "sync"
)

type BotConfig struct {
	EventSource         EventSource `yaml:"event_source"`
	AutoJoin            string      `yaml:"auto_join"`
	MaxConcurrentEvents int         `yaml:"max_concurrent_events"`
	CommandPrefix       string      `yaml:"command_prefix"`

	autoJoin autojoin.Mode
}

type umBotConfig BotConfig

func (c *BotConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umBotConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *BotConfig) PostProcess() (err error) {
	c.autoJoin, err = autojoin.ParseMode(c.AutoJoin)
	if err != nil {
		return err
	}
	switch c.EventSource {
	case "":
		c.EventSource = EventSourceSync
	case EventSourcePush, EventSourceSync:
	default:
		return fmt.Errorf("unknown event source %q", c.EventSource)
	}
	return nil
}

type TransactionConfig struct {
	RetentionRaw     string `yaml:"retention"`
	PruneIntervalRaw string `yaml:"prune_interval"`

	// Retention is zero when records are kept forever.
	Retention     time.Duration `yaml:"-"`
	PruneInterval time.Duration `yaml:"-"`
}

type umTransactionConfig TransactionConfig

func (c *TransactionConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umTransactionConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func (c *TransactionConfig) PostProcess() (err error) {
	if c.Retention, err = parseDuration(c.RetentionRaw); err != nil {
		return fmt.Errorf("invalid retention: %w", err)
	} else if c.PruneInterval, err = parseDuration(c.PruneIntervalRaw); err != nil {
		return fmt.Errorf("invalid prune interval: %w", err)
	} else if c.PruneInterval == 0 {
		c.PruneInterval = time.Hour
	}
	return nil
}

var (
	ErrMissingHomeserver = errors.New("homeserver address and domain must be set")
	ErrMissingToken      = errors.New("appservice tokens are not set, generate the registration first")
)

const placeholderToken = "This value is generated when generating the registration"

// Validate checks the fields that environment overrides may fill in, so it
// runs after ApplyEnv.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" || c.Homeserver.Domain == "" {
		return ErrMissingHomeserver
	} else if c.Appservice.BotUsername == "" {
		return errors.New("appservice.bot_username must be set")
	} else if c.Appservice.ASToken == "" || c.Appservice.ASToken == placeholderToken ||
		c.Appservice.HSToken == "" || c.Appservice.HSToken == placeholderToken {
		return ErrMissingToken
	}
	return nil
}

func (c *Config) BotUserID() id.UserID {
	return id.NewUserID(c.Appservice.BotUsername, c.Homeserver.Domain)
}

func (c *Config) AutoJoin() autojoin.Config {
	return autojoin.Config{
		Mode:         c.Bot.autoJoin,
		Homeserver:   c.Homeserver.Domain,
		ManagedUsers: c.Appservice.managedUsers,
		PrimaryBot:   c.BotUserID(),
	}
}

// Parse decodes a config and applies environment overrides. It doesn't
// validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads, parses and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}
