package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-appservice-bot/pkg/dispatch"
)

type Notifier interface {
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
}

type CommandEvent struct {
	Message *dispatch.MessageEvent
	Command string
	Args    []string

	notifier Notifier
}

func (ce *CommandEvent) Reply(ctx context.Context, format string, args ...any) error {
	return ce.notifier.SendNotice(ctx, ce.Message.RoomID, fmt.Sprintf(format, args...))
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Func        func(ctx context.Context, ce *CommandEvent) error
}

// CommandProcessor runs prefixed text commands like !ping.
type CommandProcessor struct {
	prefix   string
	notifier Notifier
	commands map[string]*Command
	names    []string
}

func NewCommandProcessor(prefix string, notifier Notifier, extra ...*Command) *CommandProcessor {
	cp := &CommandProcessor{
		prefix:   prefix,
		notifier: notifier,
		commands: make(map[string]*Command),
	}
	cp.Add(cmdPing, &Command{
		Name:        "help",
		Description: "Show this help message.",
		Func:        cp.fnHelp,
	})
	cp.Add(extra...)
	return cp
}

func (cp *CommandProcessor) Add(commands ...*Command) {
	for _, cmd := range commands {
		cp.commands[cmd.Name] = cmd
		for _, alias := range cmd.Aliases {
			cp.commands[alias] = cmd
		}
		cp.names = append(cp.names, cmd.Name)
	}
	sort.Strings(cp.names)
}

func (cp *CommandProcessor) HandleMessage(ctx context.Context, msg *dispatch.MessageEvent) error {
	if msg.MsgType != event.MsgText || !strings.HasPrefix(msg.Body, cp.prefix) {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(msg.Body, cp.prefix))
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	cmd, ok := cp.commands[name]
	if !ok {
		zerolog.Ctx(ctx).Debug().Str("command", name).Msg("Ignoring unknown command")
		return nil
	}
	zerolog.Ctx(ctx).Debug().Str("command", cmd.Name).Str("sender", string(msg.Sender)).Msg("Running command")
	return cmd.Func(ctx, &CommandEvent{
		Message:  msg,
		Command:  name,
		Args:     fields[1:],
		notifier: cp.notifier,
	})
}

var cmdPing = &Command{
	Name:        "ping",
	Description: "Check whether the bot is alive.",
	Func: func(ctx context.Context, ce *CommandEvent) error {
		return ce.Reply(ctx, "pong")
	},
}

func (cp *CommandProcessor) fnHelp(ctx context.Context, ce *CommandEvent) error {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range cp.names {
		fmt.Fprintf(&sb, "%s%s - %s\n", cp.prefix, name, cp.commands[name].Description)
	}
	return ce.Reply(ctx, "%s", strings.TrimSpace(sb.String()))
}
