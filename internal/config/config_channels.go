package config

import "fmt"

// ChannelsConfig holds per-channel account configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// RateLimitConfig is a per-channel token bucket.
type RateLimitConfig struct {
	Capacity     int     `json:"capacity,omitempty"`
	RefillPerSec float64 `json:"refill_per_sec,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // env only
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // pairing (default), allowlist, open, disabled
	GroupPolicy    string              `json:"group_policy,omitempty"`    // open (default), allowlist, disabled
	RequireMention *bool               `json:"require_mention,omitempty"` // groups, default true
	HistoryLimit   int                 `json:"history_limit,omitempty"`
	RateLimit      RateLimitConfig     `json:"rate_limit,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // env only
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
	HistoryLimit   int                 `json:"history_limit,omitempty"`
	RateLimit      RateLimitConfig     `json:"rate_limit,omitempty"`
}

func (c ChannelsConfig) validate() error {
	if err := validatePolicies("telegram", c.Telegram.DMPolicy, c.Telegram.GroupPolicy); err != nil {
		return err
	}
	if err := validatePolicies("discord", c.Discord.DMPolicy, c.Discord.GroupPolicy); err != nil {
		return err
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram enabled without CLAWGATE_TELEGRAM_TOKEN")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("channels.discord enabled without CLAWGATE_DISCORD_TOKEN")
	}
	return nil
}

func validatePolicies(channel, dm, group string) error {
	switch dm {
	case "", "open", "allowlist", "pairing", "disabled":
	default:
		return fmt.Errorf("channels.%s.dm_policy %q: want open, allowlist, pairing or disabled", channel, dm)
	}
	switch group {
	case "", "open", "allowlist", "disabled":
	default:
		return fmt.Errorf("channels.%s.group_policy %q: want open, allowlist or disabled", channel, group)
	}
	return nil
}
