package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/morgan/internal/config"
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

		fmt.Println("MORGAN Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Backend.BaseURL = prompt(scanner, "Backend URL", cfg.Backend.BaseURL)
		cfg.Backend.PathPrefix = prompt(scanner, "Endpoint path prefix (/ for none)", cfg.Backend.PathPrefix)
		cfg.Backend.APIKey = prompt(scanner, "API key (optional)", cfg.Backend.APIKey)
		cfg.Chat.Scenario = prompt(scanner, "Scenario", cfg.Chat.Scenario)

		stall := prompt(scanner, "Stall timeout", cfg.Stream.StallTimeout)
		if _, err := time.ParseDuration(stall); err == nil {
			cfg.Stream.StallTimeout = stall
		} else {
			fmt.Printf("Ignoring invalid duration %q\n", stall)
		}

		tokens := prompt(scanner, "History token budget (0 for unlimited)", strconv.Itoa(cfg.Chat.HistoryTokens))
		if n, err := strconv.Atoi(tokens); err == nil && n >= 0 {
			cfg.Chat.HistoryTokens = n
		}

		narration := prompt(scanner, "Narrate answers (y/n)", yesNo(cfg.Chat.Narration))
		cfg.Chat.Narration = strings.HasPrefix(strings.ToLower(narration), "y")
		if cfg.Chat.Narration {
			cfg.Chat.NarrationCommand = prompt(scanner, "Speech command (optional, e.g. espeak)", cfg.Chat.NarrationCommand)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
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

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
