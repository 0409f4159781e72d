package autojoin

import (
	"fmt"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

type Mode string

const (
	ModeEnabled    Mode = "enabled"
	ModeDisabled   Mode = "disabled"
	ModeRestricted Mode = "restricted"
)

func ParseMode(s string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(s))); mode {
	case ModeEnabled, ModeDisabled, ModeRestricted:
		return mode, nil
	case "":
		return ModeEnabled, nil
	default:
		return "", fmt.Errorf("unknown auto-join mode %q", s)
	}
}

type Config struct {
	Mode Mode
	// Homeserver is the server name of the local homeserver (e.g. example.org).
	Homeserver string
	// ManagedUsers match the localpart of users controlled by this bot.
	ManagedUsers []*regexp.Regexp
	PrimaryBot   id.UserID
}

// CompilePatterns compiles localpart patterns. Each pattern has to match the
// whole localpart.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid managed user pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// IsManaged reports whether userID is the primary bot or one of the users
// this bot is allowed to act as.
func (cfg *Config) IsManaged(userID id.UserID) bool {
	if userID == cfg.PrimaryBot {
		return true
	}
	localpart, server, err := userID.Parse()
	if err != nil || server != cfg.Homeserver {
		return false
	}
	for _, re := range cfg.ManagedUsers {
		if re.MatchString(localpart) {
			return true
		}
	}
	return false
}

// roomServer returns the server part of a room ID. Room IDs without one
// (room version 12 and up) are never treated as local.
func roomServer(roomID id.RoomID) string {
	_, server, found := strings.Cut(string(roomID), ":")
	if !found {
		return ""
	}
	return server
}
