package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/matrix-appservice-bot/pkg/config"
)

var generateRegistrationCommand = &cli.Command{
	Name:    "generate-registration",
	Aliases: []string{"g"},
	Usage:   "Generate appservice tokens and the registration file for the homeserver",
	Before: func(ctx *cli.Context) error {
		return loadConfig(ctx, true)
	},
	Action: cmdGenerateRegistration,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "registration.yaml",
			Usage:   "Output file path (- for stdout)",
		},
	},
}

var upgradeConfigCommand = &cli.Command{
	Name:   "upgrade-config",
	Usage:  "Rewrite the config file with new or renamed options",
	Action: cmdUpgradeConfig,
}

func cmdGenerateRegistration(ctx *cli.Context) error {
	reg := getConfig(ctx).GenerateRegistration()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	output := ctx.String("output")
	if output == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err = os.WriteFile(output, data, 0600); err != nil {
		return fmt.Errorf("failed to write registration: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Registration written to %s, add it to your homeserver's app_service_config_files\n", output)
	return nil
}

func cmdUpgradeConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	_, saved, err := config.Upgrade(path, true, false)
	if err != nil {
		return err
	}
	if saved {
		fmt.Printf("Config at %s upgraded\n", path)
	} else {
		fmt.Printf("Config at %s is up to date\n", path)
	}
	return nil
}
