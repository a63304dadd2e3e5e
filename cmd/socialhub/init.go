package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initMediaURL    string
	initMediaPreset string
)

func init() {
	initCmd.Flags().StringVar(&initMediaURL, "media-url", "", "Upload endpoint of the media host")
	initCmd.Flags().StringVar(&initMediaPreset, "media-preset", "", "Unsigned upload preset for the media host")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.socialhub/config.toml",
	Long:  "Initialize the CLI by storing the API gateway URL (e.g. https://api.example.com/api/v1).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := strings.TrimRight(args[0], "/")
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base URL %q", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.BaseURL = base
		if initMediaURL != "" {
			cfg.Default.MediaURL = initMediaURL
		}
		if initMediaPreset != "" {
			cfg.Default.MediaPreset = initMediaPreset
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
