package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway/client"
)

func statusCmd() *cobra.Command {
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runStatus(cfg.Gateway, sessionKey)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "also show the state of one session key")
	return cmd
}

func runStatus(gw config.GatewayConfig, sessionKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := gw.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, gw.Port)

	c, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	token := gw.Token
	if token == "" {
		token = os.Getenv("CLAWGATE_GATEWAY_TOKEN")
	}
	if err := c.Connect(ctx, token); err != nil {
		return fmt.Errorf("gateway handshake: %w", err)
	}

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}

	fmt.Printf("gateway %s\n", addr)
	printMap("  ", health)

	if sessionKey != "" {
		st, err := c.Status(ctx, sessionKey)
		if err != nil {
			return fmt.Errorf("status %s: %w", sessionKey, err)
		}
		fmt.Printf("\nsession %s\n", sessionKey)
		printMap("  ", st)
	}
	return nil
}

func printMap(indent string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s%-16s %v\n", indent, k+":", m[k])
	}
}
