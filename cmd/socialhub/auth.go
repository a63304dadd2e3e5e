package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	socialhub "github.com/socialhub-app/socialhub/sdk/golang"
)

var (
	loginPassword string
	loginRemember bool
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted when omitted)")
	loginCmd.Flags().BoolVar(&loginRemember, "remember", false, "Remember credentials and log in again when the token expires")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client, store, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		id, err := client.Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if loginRemember {
			err = store.Remember(socialhub.Credentials{Username: username, Password: password})
		} else {
			err = store.Forget()
		}
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(id.Username, username), id.UserID)
		if !id.ExpiresAt.IsZero() {
			fmt.Printf("  Token expires: %s\n", id.ExpiresAt.Local().Format(time.RFC3339))
		}
		fmt.Printf("  Session file:  %s\n", store.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Invalidate the session token and forget remembered credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()

		logoutErr := client.Auth.Logout(ctx)
		if err := store.Forget(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		if logoutErr != nil {
			fmt.Printf("Logged out locally (server: %v)\n", logoutErr)
			return nil
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the configuration, check whether the session token has expired, and verify it against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, store, err := newClient()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, socialhub.DefaultBaseURL+" (default)"))
		fmt.Printf("  Chat URL:    %s\n", client.ChatURL())
		fmt.Printf("  Notify URL:  %s\n", client.NotificationURL())
		fmt.Printf("  Media URL:   %s\n", valueOrDefault(cfg.Default.MediaURL, "(not set)"))

		fmt.Println()
		fmt.Println("Session:")
		token := store.Token()
		if token == "" {
			fmt.Println("  Token:       none")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(token))
		if creds, ok := store.Remembered(); ok {
			fmt.Printf("  Remembered:  %s\n", creds.Username)
		}

		id, err := client.Identity()
		if err != nil {
			fmt.Printf("  Identity:    unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  User:        %s (%s)\n", valueOrDefault(id.Username, "?"), id.UserID)
		switch {
		case id.ExpiresAt.IsZero():
			fmt.Println("  Expiry:      none set")
		case id.Expired(time.Now()):
			fmt.Printf("  Expiry:      EXPIRED (%s)\n", id.ExpiresAt.Local().Format(time.RFC3339))
		default:
			fmt.Printf("  Expiry:      valid until %s\n", id.ExpiresAt.Local().Format(time.RFC3339))
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := withTimeout()
		defer cancel()

		valid, err := client.Auth.Introspect(ctx)
		if err != nil {
			fmt.Printf("  Error checking token: %v\n", err)
			return nil
		}
		if !valid {
			fmt.Println("  Token rejected by server. Run 'socialhub login' again.")
			return nil
		}
		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:    %s\n", me.Username)
		if me.Email != "" {
			fmt.Printf("  Email:       %s\n", me.Email)
		}
		if len(me.Roles) > 0 {
			fmt.Printf("  Roles:       %s\n", strings.Join(me.Roles, ", "))
		}
		return nil
	},
}
