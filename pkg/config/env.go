package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "APPSERVICE_BOT_"

// envOverrides are secrets and deployment specific values that can be kept
// out of the config file.
type envOverrides struct {
	HomeserverAddress string `env:"HOMESERVER_ADDRESS"`
	ASToken           string `env:"AS_TOKEN"`
	HSToken           string `env:"HS_TOKEN"`
	DatabaseURI       string `env:"DATABASE_URI"`
}

func (c *Config) ApplyEnv() error {
	var overrides envOverrides
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	override := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	override(&c.Homeserver.Address, overrides.HomeserverAddress)
	override(&c.Appservice.ASToken, overrides.ASToken)
	override(&c.Appservice.HSToken, overrides.HSToken)
	override(&c.Database.URI, overrides.DatabaseURI)
	return nil
}
