package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	socialhub "github.com/socialhub-app/socialhub/sdk/golang"
)

var (
	feedPage int
	feedSize int
	feedJSON bool

	notificationsWatch bool
	notificationsJSON  bool
	notificationsPage  int

	uploadMime string
	uploadJSON bool
)

// ============================================================================
// feed
// ============================================================================

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the news feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()
		self, err := requireLogin(ctx, client, store)
		if err != nil {
			return err
		}

		page, err := client.Posts.Feed(ctx, &socialhub.PageOptions{Page: feedPage, Size: feedSize})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if feedJSON {
			return printJSON(page)
		}
		if len(page.Data) == 0 {
			fmt.Println("Nothing in your feed yet.")
			return nil
		}
		for _, p := range page.Data {
			liked := " "
			if p.IsLikedBy(self) {
				liked = "*"
			}
			fmt.Printf("%s %s  @%s  (%d likes, %d comments)\n", liked, formatTime(p.CreatedDate), valueOrDefault(p.Username, p.UserID), p.LikeCount, p.CommentCount)
			fmt.Printf("    %s\n", p.Content)
			for _, u := range p.ImageURLs {
				fmt.Printf("    [image] %s\n", u)
			}
		}
		fmt.Printf("\nPage %d of %d\n", page.CurrentPage, page.TotalPages)
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications, or follow them live with --watch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		if notificationsWatch {
			return watchNotifications(client, store)
		}

		ctx, cancel := withTimeout()
		defer cancel()
		if _, err := requireLogin(ctx, client, store); err != nil {
			return err
		}
		page, err := client.Notifications.List(ctx, &socialhub.PageOptions{Page: notificationsPage})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if notificationsJSON {
			return printJSON(page)
		}
		if len(page.Data) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range page.Data {
			printNotification(n)
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [notification-id]",
	Short: "Mark one notification, or all of them, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout()
		defer cancel()
		if _, err := requireLogin(ctx, client, store); err != nil {
			return err
		}
		if len(args) == 1 {
			err = client.Notifications.MarkRead(ctx, args[0])
		} else {
			err = client.Notifications.MarkAllRead(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}

func watchNotifications(client *socialhub.Client, store *socialhub.FileTokenStore) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := requireLogin(ctx, client, store); err != nil {
		return err
	}

	sock := client.NotificationSocket(nil)
	sock.OnNotification(func(n socialhub.Notification) {
		if notificationsJSON {
			_ = printJSON(n)
			return
		}
		printNotification(n)
	})
	sock.OnReconnecting(func(ev socialhub.ReconnectEvent) {
		fmt.Fprintf(os.Stderr, "* reconnecting in %s (attempt %d)\n", ev.Delay, ev.Attempt)
	})
	sock.OnAuthError(func(ev socialhub.AuthErrorEvent) {
		fmt.Fprintf(os.Stderr, "* authentication failed: %s\n", ev.Message)
		stop()
	})

	if err := sock.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sock.Close()
	fmt.Fprintln(os.Stderr, "Watching notifications. Press Ctrl-C to stop.")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sock.State() == socialhub.StateDisconnected && sock.Err() != "" {
				return fmt.Errorf("notification stream ended: %s", sock.Err())
			}
		}
	}
}

func printNotification(n socialhub.Notification) {
	mark := " "
	if !n.Read {
		mark = "*"
	}
	fmt.Printf("%s %s  %-8s %s: %s\n", mark, formatTime(n.CreatedAt), n.Type, valueOrDefault(n.SenderName, n.SenderID), n.Content)
}

// ============================================================================
// upload
// ============================================================================

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file to the media host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		res, err := client.Media.UploadFile(ctx, args[0], &socialhub.UploadOptions{
			MimeType: uploadMime,
			OnProgress: func(uploaded, total int64) {
				if total > 0 {
					fmt.Fprintf(os.Stderr, "\r  %3d%%", uploaded*100/total)
				}
			},
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if uploadJSON {
			return printJSON(res)
		}
		fmt.Printf("Uploaded %s\n", args[0])
		fmt.Printf("  URL:  %s\n", res.URL)
		fmt.Printf("  Type: %s\n", res.ResourceType)
		fmt.Printf("  Size: %d bytes\n", res.Bytes)
		return nil
	},
}

func init() {
	feedCmd.Flags().IntVar(&feedPage, "page", 1, "Page number")
	feedCmd.Flags().IntVar(&feedSize, "size", 10, "Posts per page")
	feedCmd.Flags().BoolVar(&feedJSON, "json", false, "Output raw JSON")

	notificationsCmd.Flags().BoolVarP(&notificationsWatch, "watch", "w", false, "Follow notifications in realtime")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsCmd.Flags().IntVar(&notificationsPage, "page", 1, "Page number")
	notificationsCmd.AddCommand(notificationsReadCmd)

	uploadCmd.Flags().StringVar(&uploadMime, "mime", "", "MIME type (guessed from the extension when omitted)")
	uploadCmd.Flags().BoolVar(&uploadJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(uploadCmd)
}
