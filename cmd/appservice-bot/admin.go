package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/id"
)

var eventStateCommand = &cli.Command{
	Name:      "event-state",
	Usage:     "Show whether an event of a transaction has been processed",
	ArgsUsage: "TXN_ID EVENT_ID",
	Before:    requiresDatabase,
	After:     closeDatabase,
	Action:    cmdEventState,
}

var provisionRoomCommand = &cli.Command{
	Name:      "provision-room",
	Usage:     "Resolve a room alias, creating the room if the policy allows it",
	ArgsUsage: "ALIAS",
	Before:    requiresDatabase,
	After:     closeDatabase,
	Action:    cmdProvisionRoom,
}

var provisionUserCommand = &cli.Command{
	Name:      "provision-user",
	Usage:     "Resolve a user ID, registering the user if the policy allows it",
	ArgsUsage: "USER_ID",
	Before:    requiresDatabase,
	After:     closeDatabase,
	Action:    cmdProvisionUser,
}

var pruneCommand = &cli.Command{
	Name:   "prune",
	Usage:  "Delete processed event records older than the configured retention",
	Before: requiresDatabase,
	After:  closeDatabase,
	Action: cmdPrune,
}

func cmdEventState(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a transaction ID and an event ID")
	}
	coord, _, _, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	state, err := coord.EventState(ctx.Context, ctx.Args().Get(0), id.EventID(ctx.Args().Get(1)))
	if err != nil {
		return err
	}
	fmt.Println(state)
	return nil
}

func cmdProvisionRoom(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a room alias")
	}
	alias := id.RoomAlias(ctx.Args().Get(0))
	coord, _, _, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	exists, err := coord.QueryRoomAlias(ctx.Context, alias)
	if err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%s does not exist and may not be created", alias)
	}
	room, err := getDatabase(ctx).Room.GetByAlias(ctx.Context, alias)
	if err != nil {
		return err
	} else if room != nil {
		fmt.Printf("%s -> %s\n", alias, room.RoomID)
	} else {
		fmt.Printf("%s exists\n", alias)
	}
	return nil
}

func cmdProvisionUser(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a user ID")
	}
	userID := id.UserID(ctx.Args().Get(0))
	if _, _, err := userID.Parse(); err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}
	coord, _, _, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	exists, err := coord.QueryUser(ctx.Context, userID)
	if err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%s does not exist and may not be registered", userID)
	}
	fmt.Printf("%s exists\n", userID)
	return nil
}

func cmdPrune(ctx *cli.Context) error {
	coord, _, _, err := newCoordinator(ctx)
	if err != nil {
		return err
	}
	deleted, err := coord.Prune(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d processed event records\n", deleted)
	return nil
}
