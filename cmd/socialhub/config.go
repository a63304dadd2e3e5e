package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	socialhub "github.com/socialhub-app/socialhub/sdk/golang"
)

// configKey describes one settable field of the [default] section.
type configKey struct {
	name    string
	help    string
	schemes []string
	field   func(*ConfigDefault) *string
}

var configKeys = []configKey{
	{"base_url", "API gateway, e.g. https://api.example.com/api/v1", []string{"http", "https"},
		func(d *ConfigDefault) *string { return &d.BaseURL }},
	{"chat_url", "chat socket; derived from base_url when unset", []string{"ws", "wss"},
		func(d *ConfigDefault) *string { return &d.ChatURL }},
	{"notify_url", "notification (STOMP) socket; derived from base_url when unset", []string{"ws", "wss"},
		func(d *ConfigDefault) *string { return &d.NotifyURL }},
	{"media_url", "unsigned upload endpoint of the media host", []string{"http", "https"},
		func(d *ConfigDefault) *string { return &d.MediaURL }},
	{"media_preset", "upload preset sent with every media upload", nil,
		func(d *ConfigDefault) *string { return &d.MediaPreset }},
}

func lookupConfigKey(key string) (configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return configKey{}, fmt.Errorf("key must be default.<field>, e.g. default.base_url")
	}
	if section != "default" {
		return configKey{}, fmt.Errorf("unknown config section %q (valid: default)", section)
	}
	for _, k := range configKeys {
		if k.name == field {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown field %q; valid fields: %s", field, configKeyNames())
}

func configKeyNames() string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return strings.Join(names, ", ")
}

// setConfigValue sets a [default] field by dotted key. URL fields must use
// one of the field's schemes; an empty value unsets the field.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value != "" && len(k.schemes) > 0 {
		u, err := url.Parse(value)
		if err != nil || u.Host == "" || !contains(k.schemes, u.Scheme) {
			return fmt.Errorf("%s must be a %s URL", key, strings.Join(k.schemes, "/"))
		}
		value = strings.TrimRight(value, "/")
	}
	*k.field(&cfg.Default) = value
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)

	var b strings.Builder
	b.WriteString("Set a [default] field of ~/.socialhub/config.toml.\n\nKeys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  default.%-13s %s\n", k.name, k.help)
	}
	b.WriteString("\nExample: socialhub config set default.chat_url wss://chat.example.com/chat/ws")
	configSetCmd.Long = b.String()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage SocialHub endpoints",
	Long:  "View or change the endpoints the CLI talks to. The login session is kept separately in ~/.socialhub/session.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, _ := configPath()
		client := socialhub.NewClient("", endpointOptions(cfg)...)
		d := cfg.Default

		fmt.Printf("Config file: %s\n", path)
		fmt.Printf("  base_url:     %s\n", valueOrDefault(d.BaseURL, socialhub.DefaultBaseURL+" (default)"))
		fmt.Printf("  chat_url:     %s\n", valueOrDefault(d.ChatURL, client.ChatURL()+" (derived)"))
		fmt.Printf("  notify_url:   %s\n", valueOrDefault(d.NotifyURL, client.NotificationURL()+" (derived)"))
		fmt.Printf("  media_url:    %s\n", valueOrDefault(d.MediaURL, "(not set, uploads disabled)"))
		fmt.Printf("  media_preset: %s\n", valueOrDefault(d.MediaPreset, "(not set)"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set an endpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear an endpoint so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], "")
	},
}

func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if value == "" {
		fmt.Printf("Unset %s\n", key)
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}
