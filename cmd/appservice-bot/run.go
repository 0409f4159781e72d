package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/matrix-appservice-bot/pkg/bot"
	"github.com/lrhodin/matrix-appservice-bot/pkg/config"
	"github.com/lrhodin/matrix-appservice-bot/pkg/homeserver"
	"github.com/lrhodin/matrix-appservice-bot/pkg/policy"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the bot until interrupted",
	Before: requiresDatabase,
	After:  closeDatabase,
	Action: cmdRun,
}

func newCoordinator(ctx *cli.Context) (*bot.Coordinator, *homeserver.Transport, *policy.Policy, error) {
	cfg := getConfig(ctx)
	log := *getLogger(ctx)
	transport, err := homeserver.New(homeserver.Config{
		Address:   cfg.Homeserver.Address,
		BotUserID: cfg.BotUserID(),
		ASToken:   cfg.Appservice.ASToken,
	}, log)
	if err != nil {
		return nil, nil, nil, err
	}
	pol, err := policy.New(cfg.Homeserver.Domain, cfg.Policy, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid policy: %w", err)
	}
	coord, err := bot.New(bot.Params{
		DB:                  getDatabase(ctx),
		Transport:           transport,
		Policy:              pol,
		AutoJoin:            cfg.AutoJoin(),
		Log:                 log,
		MaxConcurrentEvents: cfg.Bot.MaxConcurrentEvents,
		Retention:           cfg.Transactions.Retention,
		PruneInterval:       cfg.Transactions.PruneInterval,
		CommandPrefix:       cfg.Bot.CommandPrefix,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return coord, transport, pol, nil
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if cfg.Bot.EventSource == config.EventSourcePush {
		return errors.New("the push event source needs a host application that calls HandleTransaction, set bot.event_source to sync to run standalone")
	}
	coord, transport, pol, err := newCoordinator(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = transport.RegisterActor(runCtx, transport.BotUserID()); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure bot user is registered")
	}
	coord.SetSubscription(homeserver.NewSyncSource(transport, getDatabase(ctx).KV, coord.HandleRawTransaction, *log))

	configPath := ctx.String("config")
	go func() {
		err := pol.Watch(runCtx, configPath, func() (policy.Rules, error) {
			newCfg, err := config.Load(configPath)
			if err != nil {
				return policy.Rules{}, err
			}
			return newCfg.Policy, nil
		})
		if err != nil {
			log.Err(err).Msg("Policy reloading is disabled")
		}
	}()

	if err = coord.Start(runCtx); err != nil {
		return err
	}
	<-runCtx.Done()
	log.Info().Msg("Shutting down")
	coord.Stop()
	return nil
}
