package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/vizlearn/internal/config"
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

		fmt.Println("vizlearn setup")
		fmt.Println("Press Enter to accept the value shown in brackets. Providers without a key are skipped.")
		fmt.Println()

		p := &cfg.Providers
		p.OpenAI.BaseURL = ask(scanner, "OpenAI-compatible base URL", p.OpenAI.BaseURL)
		p.OpenAI.APIKey = ask(scanner, "OpenAI API key", p.OpenAI.APIKey)
		p.OpenAI.Model = ask(scanner, "OpenAI model", p.OpenAI.Model)
		p.Anthropic.APIKey = ask(scanner, "Anthropic API key", p.Anthropic.APIKey)
		p.Gemini.APIKey = ask(scanner, "Gemini API key", p.Gemini.APIKey)

		cfg.Storage = ask(scanner, "Context storage (file, sqlite, memory)", cfg.Storage)
		cfg.Render.ManimRunner = ask(scanner, "Manim runner (exec, docker, none)", cfg.Render.ManimRunner)
		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.HTTP.Listen = ask(scanner, "HTTP listen address", cfg.HTTP.Listen)

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

// ask shows label with its default and returns the entered value, or the
// default when the input is empty.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
