package config

import (
	"fmt"
	"regexp"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/appservice"
)

func generateToken(helper up.Helper, path ...string) {
	if token, ok := helper.Get(up.Str, path...); !ok || token == "generate" || token == placeholderToken {
		helper.Set(up.Str, random.String(64), path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.List, "appservice", "managed_users")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")

	helper.Copy(up.Str, "bot", "event_source")
	helper.Copy(up.Str, "bot", "auto_join")
	helper.Copy(up.Int, "bot", "max_concurrent_events")
	helper.Copy(up.Str, "bot", "command_prefix")

	helper.Copy(up.Str|up.Int, "transactions", "retention")
	helper.Copy(up.Str, "transactions", "prune_interval")

	helper.Copy(up.List, "policy", "rooms", "provision")
	helper.Copy(up.Str, "policy", "rooms", "preset")
	helper.Copy(up.Str, "policy", "rooms", "name_format")
	helper.Copy(up.Str, "policy", "rooms", "topic")
	helper.Copy(up.List, "policy", "users", "provision")
	helper.Copy(up.Str, "policy", "users", "displayname_format")
	helper.Copy(up.List, "policy", "join", "deny_rooms")
	helper.Copy(up.List, "policy", "join", "deny_servers")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Map, "logging")
}

// upgradeTokens fills in appservice tokens that haven't been generated yet.
func upgradeTokens(helper up.Helper) {
	generateToken(helper, "appservice", "as_token")
	generateToken(helper, "appservice", "hs_token")
}

var spacedBlocks = [][]string{
	{"appservice"},
	{"bot"},
	{"transactions"},
	{"policy"},
	{"database"},
	{"logging"},
}

// Upgrade rewrites the config at path into the shape of the example config,
// keeping all known values. When generateTokens is set, missing appservice
// tokens are generated. The upgraded config is saved back if save is true.
func Upgrade(path string, save, generateTokens bool) ([]byte, bool, error) {
	upgrader := &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         spacedBlocks,
		Base:           ExampleConfig,
	}
	var extra []up.Upgrader
	if generateTokens {
		extra = append(extra, up.SimpleUpgrader(upgradeTokens))
	}
	data, saved, err := up.Do(path, save, upgrader, extra...)
	if err != nil {
		return data, saved, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return data, saved, nil
}

// GenerateRegistration builds the registration file the homeserver needs to
// know about this application service.
func (c *Config) GenerateRegistration() *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = c.Appservice.ID
	reg.URL = c.Appservice.Address
	reg.AppToken = c.Appservice.ASToken
	reg.ServerToken = c.Appservice.HSToken
	reg.SenderLocalpart = c.Appservice.BotUsername
	domain := regexp.QuoteMeta(c.Homeserver.Domain)
	reg.Namespaces.UserIDs = append(reg.Namespaces.UserIDs, appservice.Namespace{
		Regex:     fmt.Sprintf("^@%s:%s$", regexp.QuoteMeta(c.Appservice.BotUsername), domain),
		Exclusive: true,
	})
	for _, pattern := range c.Appservice.ManagedUsers {
		reg.Namespaces.UserIDs = append(reg.Namespaces.UserIDs, appservice.Namespace{
			Regex:     fmt.Sprintf("^@(?:%s):%s$", pattern, domain),
			Exclusive: true,
		})
	}
	for _, pattern := range c.Policy.Rooms.Provision {
		reg.Namespaces.RoomAliases = append(reg.Namespaces.RoomAliases, appservice.Namespace{
			Regex:     fmt.Sprintf("^#(?:%s):%s$", pattern, domain),
			Exclusive: true,
		})
	}
	return reg
}
