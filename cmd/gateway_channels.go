package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/monitor"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// startChannels registers every enabled adapter with the delivery
// manager and runs one monitor per account. Adapters that fail to
// construct are skipped with a warning so one bad token does not take
// the gateway down.
func startChannels(ctx context.Context, cc config.ChannelsConfig, mc config.MonitorConfig, mgr *channels.Manager, stores *store.Stores, disp *dispatcher) []*monitor.Monitor {
	var monitors []*monitor.Monitor

	if tc := cc.Telegram; tc.Enabled {
		ad, err := telegram.New(telegram.Config{
			Token:          tc.Token,
			Proxy:          tc.Proxy,
			RequireMention: mentionRequired(tc.RequireMention),
		})
		if err != nil {
			slog.Warn("telegram adapter init failed", "error", err)
		} else {
			mgr.Register(ad)
			m := startMonitor(ctx, mc, stores, disp, ad, accessPolicy(tc.DMPolicy, tc.GroupPolicy, []string(tc.AllowFrom)))
			monitors = append(monitors, m)
		}
	}

	if dc := cc.Discord; dc.Enabled {
		ad, err := discord.New(discord.Config{
			Token:          dc.Token,
			RequireMention: mentionRequired(dc.RequireMention),
		})
		if err != nil {
			slog.Warn("discord adapter init failed", "error", err)
		} else {
			mgr.Register(ad)
			m := startMonitor(ctx, mc, stores, disp, ad, accessPolicy(dc.DMPolicy, dc.GroupPolicy, []string(dc.AllowFrom)))
			monitors = append(monitors, m)
		}
	}

	return monitors
}

func startMonitor(ctx context.Context, mc config.MonitorConfig, stores *store.Stores, disp *dispatcher, ad channels.Adapter, policy channels.AccessPolicy) *monitor.Monitor {
	m := monitor.New(monitor.Config{
		AccountID:      ad.Name(),
		AgentID:        defaultAgentID,
		Adapter:        ad,
		States:         stores.MonitorState,
		Policy:         policy,
		Dispatch:       disp.Dispatch,
		Pending:        channels.NewPendingHistory(),
		PollTimeout:    time.Duration(mc.PollTimeoutMs) * time.Millisecond,
		DedupCapacity:  mc.DedupCapacity,
		UTDCapacity:    mc.UTD.Capacity,
		UTDRetryWindow: time.Duration(mc.UTD.RetryWindowMs) * time.Millisecond,
		UTDExpiry:      time.Duration(mc.UTD.ExpiryMs) * time.Millisecond,
		RoomIdle:       time.Duration(mc.RoomIdleMs) * time.Millisecond,
	})
	go func() {
		if err := m.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("monitor stopped", "account", ad.Name(), "error", err)
		}
	}()
	return m
}

// accessPolicy maps config policy strings to the monitor's access
// policy. Empty strings keep the channel defaults: pairing for DMs,
// open for groups.
func accessPolicy(dm, group string, allowFrom []string) channels.AccessPolicy {
	p := channels.AccessPolicy{
		DM:        channels.DMPolicyPairing,
		Group:     channels.GroupPolicyOpen,
		AllowFrom: allowFrom,
	}
	if dm != "" {
		p.DM = channels.DMPolicy(dm)
	}
	if group != "" {
		p.Group = channels.GroupPolicy(group)
	}
	return p
}

// mentionRequired treats an absent require_mention flag as true:
// groups are noisy and an unmentioned bot should stay quiet.
func mentionRequired(v *bool) bool {
	return v == nil || *v
}
