package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func onboardCmd() *cobra.Command {
	var auto bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create a starter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if auto {
				return runAutoOnboard(cfgPath)
			}
			return runOnboard(cfgPath)
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "non-interactive setup from environment variables")
	return cmd
}

// runAutoOnboard writes a default config shaped by whatever CLAWGATE_*
// variables are already set. Used by Docker entrypoints where nobody
// can answer a prompt.
func runAutoOnboard(cfgPath string) error {
	cfg := config.Default()

	switch {
	case os.Getenv("CLAWGATE_ANTHROPIC_API_KEY") != "":
		cfg.Agents.Defaults.Provider = "anthropic"
	case os.Getenv("CLAWGATE_OPENAI_API_KEY") != "":
		cfg.Agents.Defaults.Provider = "openai"
		cfg.Agents.Defaults.Model = "gpt-4o"
	default:
		return fmt.Errorf("auto-onboard: no provider API key in environment")
	}
	if os.Getenv("CLAWGATE_TELEGRAM_TOKEN") != "" {
		cfg.Channels.Telegram.Enabled = true
	}
	if os.Getenv("CLAWGATE_DISCORD_TOKEN") != "" {
		cfg.Channels.Discord.Enabled = true
	}

	return writeConfig(cfgPath, cfg)
}

func runOnboard(cfgPath string) error {
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	cfg := config.Default()
	provider := cfg.Agents.Defaults.Provider
	model := cfg.Agents.Defaults.Model
	port := strconv.Itoa(cfg.Gateway.Port)
	enableTelegram := false
	enableDiscord := false
	enableCron := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default LLM provider").
				Description("API keys are read from CLAWGATE_<PROVIDER>_API_KEY at startup.").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewConfirm().
				Title("Enable Telegram? (needs CLAWGATE_TELEGRAM_TOKEN)").
				Value(&enableTelegram),
			huh.NewConfirm().
				Title("Enable Discord? (needs CLAWGATE_DISCORD_TOKEN)").
				Value(&enableDiscord),
			huh.NewConfirm().
				Title("Enable cron jobs?").
				Value(&enableCron),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Agents.Defaults.Provider = provider
	cfg.Agents.Defaults.Model = model
	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Discord.Enabled = enableDiscord
	cfg.Cron.Enabled = enableCron

	return writeConfig(cfgPath, cfg)
}

func writeConfig(cfgPath string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Println("Set your provider API key and start the gateway with: clawgate")
	return nil
}
