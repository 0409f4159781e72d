package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"

	"github.com/lrhodin/matrix-appservice-bot/pkg/config"
	"github.com/lrhodin/matrix-appservice-bot/pkg/database"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyDatabase
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getDatabase(ctx *cli.Context) *database.Database {
	return ctx.Context.Value(contextKeyDatabase).(*database.Database)
}

// writeExampleConfig creates the config file from the embedded example if it
// doesn't exist yet. It reports whether a file was written.
func writeExampleConfig(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err = os.WriteFile(path, []byte(config.ExampleConfig), 0600); err != nil {
		return false, fmt.Errorf("failed to write example config: %w", err)
	}
	return true, nil
}

func loadConfig(ctx *cli.Context, generateTokens bool) error {
	path := ctx.String("config")
	if created, err := writeExampleConfig(path); err != nil {
		return err
	} else if created && !generateTokens {
		return fmt.Errorf("wrote example config to %s, edit it and run generate-registration", path)
	}
	if !ctx.Bool("no-update") || generateTokens {
		if _, _, err := config.Upgrade(path, true, generateTokens); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	exzerolog.SetupDefaults(log)
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func prepareApp(ctx *cli.Context) error {
	return loadConfig(ctx, false)
}

func requiresDatabase(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	db, err := database.Open(ctx.Context, getConfig(ctx).Database, *getLogger(ctx))
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyDatabase, db)
	return nil
}

func closeDatabase(ctx *cli.Context) error {
	if db, ok := ctx.Context.Value(contextKeyDatabase).(*database.Database); ok {
		return db.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "appservice-bot",
		Usage:   "Run a Matrix application service bot",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't rewrite the config file with new or renamed options",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			generateRegistrationCommand,
			upgradeConfigCommand,
			eventStateCommand,
			provisionRoomCommand,
			provisionUserCommand,
			pruneCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
