package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/tgmux/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("tgmux Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)

		workers := prompt(scanner, "Number of workers (1-1000)", strconv.Itoa(cfg.Workers))
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Workers = n
		}

		cfg.HTTP.Listen = prompt(scanner, "API listen address", cfg.HTTP.Listen)

		stats := prompt(scanner, "Enable stats server (yes/no)", yesNo(cfg.Stats.Enabled))
		cfg.Stats.Enabled = strings.HasPrefix(strings.ToLower(stats), "y")
		if cfg.Stats.Enabled {
			cfg.Stats.Listen = prompt(scanner, "Stats listen address", cfg.Stats.Listen)
		}

		cfg.Telegram.APIEndpoint = prompt(scanner, "Bot API endpoint", cfg.Telegram.APIEndpoint)
		cfg.Telegram.FileEndpoint = prompt(scanner, "Bot API file endpoint", cfg.Telegram.FileEndpoint)

		// Optional
		cfg.Delivery.WebhookSecret = prompt(scanner, "Webhook secret token (optional)", cfg.Delivery.WebhookSecret)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
