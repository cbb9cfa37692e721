// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Environment variables that override secrets from the config file.
const (
	EnvMasterToken  = "SLACKHOOK_MASTER_TOKEN"
	EnvWebhookToken = "SLACKHOOK_WEBHOOK_TOKEN"
)

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   DatabaseConfig    `yaml:"database"`
	Rooms      []RoomMapping     `yaml:"rooms"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
	// PublicURL is the externally reachable homeserver URL used in media
	// download links posted to Slack. Defaults to Address.
	PublicURL string `yaml:"public_url"`
}

type AppServiceConfig struct {
	Address     string `yaml:"address"`
	Hostname    string `yaml:"hostname"`
	Port        uint16 `yaml:"port"`
	ID          string `yaml:"id"`
	BotUsername string `yaml:"bot_username"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
	// Registration is the path of the registration file.
	Registration string `yaml:"registration"`
}

type BridgeConfig struct {
	UsernamePrefix string `yaml:"username_prefix"`
	// WebhookListen is the public listen address of the HTTP server
	// receiving Slack outgoing webhooks.
	WebhookListen string `yaml:"webhook_listen"`
	// AdminListen is the listen address of the room admin API and metrics.
	// Empty disables them.
	AdminListen string `yaml:"admin_listen"`
	// WebhookToken, if set, must match the token of every notification.
	WebhookToken string `yaml:"webhook_token"`
	// MasterToken is the Slack API token used for rooms without their own.
	MasterToken      string        `yaml:"master_token"`
	BotUserIDs       []string      `yaml:"bot_user_ids"`
	SlackAPIURL      string        `yaml:"slack_api_url"`
	EchoTTL          time.Duration `yaml:"echo_ttl"`
	AvatarCacheTTL   time.Duration `yaml:"avatar_cache_ttl"`
	WebhookRateLimit float64       `yaml:"webhook_rate_limit"`
	// EmojiDataPath optionally points at an emoji.json file in the iamcal
	// emoji-data format that extends the built-in shortcode table.
	EmojiDataPath string `yaml:"emoji_data_path"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies environment overrides and defaults, then validates.
func (c *Config) PostProcess() error {
	if token := os.Getenv(EnvMasterToken); token != "" {
		c.Bridge.MasterToken = token
	}
	if token := os.Getenv(EnvWebhookToken); token != "" {
		c.Bridge.WebhookToken = token
	}
	if c.Homeserver.PublicURL == "" {
		c.Homeserver.PublicURL = c.Homeserver.Address
	}
	c.Homeserver.PublicURL = strings.TrimSuffix(c.Homeserver.PublicURL, "/")
	if c.Bridge.UsernamePrefix == "" {
		c.Bridge.UsernamePrefix = DefaultUsernamePrefix
	}
	if c.Bridge.SlackAPIURL == "" {
		c.Bridge.SlackAPIURL = DefaultSlackAPIURL
	}
	if c.Bridge.EchoTTL <= 0 {
		c.Bridge.EchoTTL = DefaultEchoTTL
	}
	if c.Bridge.AvatarCacheTTL <= 0 {
		c.Bridge.AvatarCacheTTL = DefaultAvatarCacheTTL
	}
	if c.AppService.Registration == "" {
		c.AppService.Registration = "registration.yaml"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}

	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.BotUsername == "" {
		return fmt.Errorf("appservice.bot_username is required")
	}
	if c.Bridge.AdminListen != "" && c.Bridge.AdminListen == c.Bridge.WebhookListen {
		return fmt.Errorf("bridge.admin_listen must differ from bridge.webhook_listen")
	}
	channelForRoom := make(map[id.RoomID]string, len(c.Rooms))
	for i, room := range c.Rooms {
		if room.ChannelID == "" || room.RoomID == "" {
			return fmt.Errorf("rooms[%d]: channel_id and room_id are required", i)
		}
		if other, ok := channelForRoom[room.RoomID]; ok && other != room.ChannelID {
			return fmt.Errorf("rooms[%d]: room %s is already mapped to %s", i, room.RoomID, other)
		}
		channelForRoom[room.RoomID] = room.ChannelID
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "homeserver", "public_url")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "appservice", "registration")

	helper.Copy(up.Str, "bridge", "username_prefix")
	helper.Copy(up.Str, "bridge", "webhook_listen")
	helper.Copy(up.Str, "bridge", "admin_listen")
	helper.Copy(up.Str, "bridge", "webhook_token")
	helper.Copy(up.Str, "bridge", "master_token")
	helper.Copy(up.List, "bridge", "bot_user_ids")
	helper.Copy(up.Str, "bridge", "slack_api_url")
	helper.Copy(up.Str, "bridge", "echo_ttl")
	helper.Copy(up.Str, "bridge", "avatar_cache_ttl")
	helper.Copy(up.Float|up.Int, "bridge", "webhook_rate_limit")
	helper.Copy(up.Str, "bridge", "emoji_data_path")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.List, "rooms")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the upgrader that merges a user config into the example.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"appservice"},
			{"bridge"},
			{"database"},
			{"rooms"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads, upgrades and post-processes the config at path. When save
// is true the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and post-processes a config document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SaveRegistrationTokens writes the appservice tokens into the config file at
// path, keeping the rest of the document intact.
func SaveRegistrationTokens(path, asToken, hsToken string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("config %s is empty", path)
	}
	appservice := mappingValue(doc.Content[0], "appservice")
	if appservice == nil {
		return fmt.Errorf("config %s has no appservice section", path)
	}
	setScalar(appservice, "as_token", asToken)
	setScalar(appservice, "hs_token", hsToken)
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func setScalar(node *yaml.Node, key, value string) {
	if existing := mappingValue(node, key); existing != nil {
		existing.Kind = yaml.ScalarNode
		existing.Tag = "!!str"
		existing.Value = value
		return
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
