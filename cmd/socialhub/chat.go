package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	socialhub "github.com/socialhub-app/socialhub/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// messages
	messagesJSON bool

	// send
	sendAttach  []string
	sendTimeout time.Duration

	// unread
	unreadJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, unread first",
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

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		list := socialhub.NewConversationList(logger)
		list.Load(convs)

		unread := socialhub.NewUnreadCounter(client.Conversations, &socialhub.UnreadConfig{Logger: logger, Metrics: metrics})
		defer unread.Close()
		if err := unread.Refresh(ctx); err != nil {
			logger.Warn("unread refresh failed", zap.Error(err))
		}
		ordered := list.Ordered(unread.Count)

		if conversationsJSON {
			return printJSON(ordered)
		}
		if len(ordered) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		fmt.Printf("%-26s %-6s %-17s %s\n", "ID", "UNREAD", "LAST ACTIVITY", "NAME")
		for _, c := range ordered {
			n := ""
			if count := unread.Count(c.ID); count > 0 {
				n = fmt.Sprintf("%d", count)
			}
			fmt.Printf("%-26s %-6s %-17s %s\n", c.ID, n, formatTime(c.LastActivity()), c.Name)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
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

		history, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		thread := socialhub.NewMessageList(args[0], history)

		if messagesJSON {
			return printJSON(thread.Snapshot())
		}
		if thread.Len() == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range thread.Snapshot() {
			printMessage(self, m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message over the chat socket and wait for delivery",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, body := args[0], args[1]
		client, store, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if _, err := requireLogin(ctx, client, store); err != nil {
			return err
		}

		var attachments []socialhub.Attachment
		for _, path := range sendAttach {
			att, err := client.Media.UploadAttachment(ctx, path)
			if err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			attachments = append(attachments, att)
		}

		sock := client.ChatSocket(&socialhub.SocketConfig{DisableReconnect: true})
		acks := make(chan socialhub.Message, 16)
		rejects := make(chan socialhub.MessageErrorEvent, 16)
		authFailed := make(chan socialhub.AuthErrorEvent, 1)
		sock.OnMessageSent(offer(acks))
		sock.OnMessageError(offer(rejects))
		sock.OnAuthError(offer(authFailed))

		if err := sock.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sock.Close()

		session, err := client.NewChatSession(sock, nil)
		if err != nil {
			return err
		}
		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Close()
		if err := session.Select(ctx, convID); err != nil {
			return err
		}

		sent, err := session.Send(ctx, body, attachments)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		for {
			select {
			case m := <-acks:
				if m.TempID == sent.TempID || (m.TempID == "" && m.ConversationID == convID && m.Body == sent.Body) {
					fmt.Printf("Message delivered to conversation %s\n", convID)
					fmt.Printf("  Message ID: %s\n", m.ID)
					return nil
				}
			case ev := <-rejects:
				if ev.TempID == "" || ev.TempID == sent.TempID {
					return fmt.Errorf("server rejected message: %s", ev.Error)
				}
			case ev := <-authFailed:
				return fmt.Errorf("authentication failed: %s", ev.Message)
			case <-ctx.Done():
				return fmt.Errorf("no delivery confirmation within %s (message %s still pending)", sendTimeout, sent.TempID)
			}
		}
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open an interactive chat in a conversation",
	Long: "Open a conversation and chat in realtime. Type a line to send it.\n" +
		"Commands: /retry <temp-id>, /unread, /quit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client, store, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		self, err := requireLogin(ctx, client, store)
		if err != nil {
			return err
		}

		sock := client.ChatSocket(nil)
		sock.OnReconnecting(func(ev socialhub.ReconnectEvent) {
			fmt.Fprintf(os.Stderr, "* connection lost, reconnecting in %s (attempt %d)\n", ev.Delay.Round(time.Millisecond), ev.Attempt)
		})
		sock.OnConnected(func() { fmt.Fprintln(os.Stderr, "* connected") })
		sock.OnDisconnected(func(ev socialhub.DisconnectEvent) {
			fmt.Fprintf(os.Stderr, "* disconnected: %s\n", valueOrDefault(ev.Reason, "connection closed"))
		})
		sock.OnAuthError(func(ev socialhub.AuthErrorEvent) {
			fmt.Fprintf(os.Stderr, "* authentication failed: %s\n", ev.Message)
			stop()
		})
		sock.OnTyping(func(ev socialhub.TypingEvent) {
			if ev.ConversationID == convID && ev.IsTyping && !self.Is(ev.UserID) {
				fmt.Fprintf(os.Stderr, "* %s is typing...\n", valueOrDefault(ev.Username, ev.UserID))
			}
		})

		if err := sock.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sock.Close()

		session, err := client.NewChatSession(sock, &socialhub.SessionConfig{RefreshInterval: time.Minute})
		if err != nil {
			return err
		}
		if err := session.Start(ctx); err != nil {
			return err
		}
		defer session.Close()

		if err := session.Select(ctx, convID); err != nil {
			if errors.Is(err, socialhub.ErrUnknownConversation) {
				return fmt.Errorf("conversation %s not found; see 'socialhub conversations'", convID)
			}
			fmt.Fprintf(os.Stderr, "* %v\n", err)
		}
		for _, m := range session.Messages() {
			printMessage(self, m)
		}

		session.OnNotify(func(m socialhub.Message) {
			name := m.ConversationID
			if c, ok := session.ConversationList().Get(m.ConversationID); ok && c.Name != "" {
				name = c.Name
			}
			fmt.Fprintf(os.Stderr, "* new message in %s (%d unread)\n", name, session.Unread().Count(m.ConversationID))
		})
		sock.OnMessageReceived(func(m socialhub.Message) {
			if m.ConversationID == convID && !self.Is(m.SenderID()) {
				printMessage(self, m)
			}
		})
		sock.OnMessageSent(func(m socialhub.Message) {
			if m.ConversationID == convID {
				fmt.Fprintln(os.Stderr, "* delivered")
			}
		})
		sock.OnMessageError(func(ev socialhub.MessageErrorEvent) {
			fmt.Fprintf(os.Stderr, "* not delivered: %s (retry with /retry %s)\n", ev.Error, ev.TempID)
		})

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, session, line); quit {
					return nil
				}
			}
		}
	},
}

// handleChatLine runs one line of chat input and reports whether to quit.
func handleChatLine(ctx context.Context, session *socialhub.ChatSession, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/unread":
		snap := session.Unread().Snapshot()
		fmt.Fprintf(os.Stderr, "* %d unread\n", snap.Total)
		for _, c := range session.Conversations() {
			if n := snap.Counts[c.ID]; n > 0 {
				fmt.Fprintf(os.Stderr, "    %-20s %d\n", c.Name, n)
			}
		}
	case strings.HasPrefix(line, "/retry "):
		tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if _, err := session.Retry(ctx, tempID); err != nil {
			fmt.Fprintf(os.Stderr, "* retry failed: %v\n", err)
		}
	default:
		if _, err := session.Send(ctx, line, nil); err != nil {
			fmt.Fprintf(os.Stderr, "* send failed: %v\n", err)
		}
	}
	return false
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message counts",
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

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		unread := socialhub.NewUnreadCounter(client.Conversations, &socialhub.UnreadConfig{Logger: logger, Metrics: metrics})
		defer unread.Close()
		if err := unread.Refresh(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		snap := unread.Snapshot()

		if unreadJSON {
			return printJSON(snap)
		}
		fmt.Printf("Total unread: %d\n", snap.Total)
		for _, c := range convs {
			if n := snap.Counts[c.ID]; n > 0 {
				fmt.Printf("  %-26s %-4d %s\n", c.ID, n, c.Name)
			}
		}
		return nil
	},
}

func printMessage(self socialhub.Identity, m socialhub.Message) {
	who := displayName(m.Sender)
	if m.Me || self.Is(m.SenderID()) {
		who = "me"
	}
	text := m.Body
	for _, a := range m.Attachments {
		text += fmt.Sprintf(" [%s]", valueOrDefault(a.Name, a.URL))
	}
	suffix := ""
	if m.State != socialhub.DeliveryConfirmed {
		suffix = " (" + m.State.String() + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", formatTime(m.CreatedAt), who, text, suffix)
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringSliceVarP(&sendAttach, "attach", "a", nil, "File to upload and attach (repeatable)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for delivery")
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(unreadCmd)
}
