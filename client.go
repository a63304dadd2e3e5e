// Package socialhub provides the Go client for the SocialHub backend.
//
// It covers the REST API (auth, feed, stories, profiles, notifications,
// conversations) with a sub-client access pattern, the chat WebSocket, the
// notification socket, and the client-side realtime messaging state: the
// optimistic send path, the conversation list and the unread counter.
//
// Example:
//
//	client := socialhub.NewClient("", socialhub.WithBaseURL("https://api.example.com/api/v1"))
//	if _, err := client.Auth.Login(ctx, "alice", "secret"); err != nil { ... }
//
//	sock := client.ChatSocket(nil)
//	if err := sock.Connect(ctx); err != nil { ... }
//
//	session, _ := client.NewChatSession(sock, nil)
//	session.Start(ctx)
//	session.Select(ctx, conversationID)
//	session.Send(ctx, "hello", nil)
package socialhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8888/api/v1"
	DefaultTimeout = 30 * time.Second

	tracerName = "github.com/socialhub-app/socialhub/sdk/golang"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	chatURL    string
	notifyURL  string
	media      MediaConfig
	httpClient *http.Client
	tokens     TokenStore
	log        *zap.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	idMu      sync.Mutex
	idToken   string
	idCurrent Identity

	Auth          *AuthClient
	Posts         *PostsClient
	Comments      *CommentsClient
	Likes         *LikesClient
	Stories       *StoriesClient
	Profiles      *ProfilesClient
	Notifications *NotificationsClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Media         *MediaClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithChatURL overrides the chat socket URL derived from the base URL.
func WithChatURL(u string) ClientOption {
	return func(c *Client) { c.chatURL = u }
}

// WithNotificationURL overrides the notification socket URL derived from the base URL.
func WithNotificationURL(u string) ClientOption {
	return func(c *Client) { c.notifyURL = u }
}

func WithMedia(cfg MediaConfig) ClientOption {
	return func(c *Client) { c.media = cfg }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// NewClient creates a new client. token is optional: pass "" and call
// Auth.Login, or supply a persisted store with WithTokenStore.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokens == nil {
		c.tokens = NewMemoryTokenStore(token)
	} else if token != "" {
		_ = c.tokens.SetToken(token)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	c.Auth = &AuthClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Comments = &CommentsClient{c: c}
	c.Likes = &LikesClient{c: c}
	c.Stories = &StoriesClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Media = &MediaClient{c: c}
	return c
}

// Tokens returns the client's token store.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

// Identity returns the signed-in user, resolved from the stored token and
// cached until the token changes.
func (c *Client) Identity() (Identity, error) {
	token := c.tokens.Token()
	if token == "" {
		return Identity{}, ErrNoToken
	}
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if token == c.idToken {
		return c.idCurrent, nil
	}
	id, err := IdentityFromToken(token)
	if err != nil {
		return Identity{}, err
	}
	c.idToken, c.idCurrent = token, id
	return id, nil
}

// ChatURL returns the chat socket URL.
func (c *Client) ChatURL() string {
	if c.chatURL != "" {
		return c.chatURL
	}
	return socketURL(c.baseURL, "/chat/ws")
}

// NotificationURL returns the notification socket URL.
func (c *Client) NotificationURL() string {
	if c.notifyURL != "" {
		return c.notifyURL
	}
	return socketURL(c.baseURL, "/notification/ws")
}

func socketURL(base, path string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + path
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*APIResponse, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+routeLabel(path), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", routeLabel(path)),
	)

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(method, path, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.observeRequest(method, path, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	env := &APIResponse{}
	if len(bytes.TrimSpace(data)) == 0 {
		if resp.StatusCode < 300 {
			env.Code = CodeSuccess
		}
	} else if err := json.Unmarshal(data, env); err != nil && resp.StatusCode < 300 {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.OK() {
		apiErr := &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		if apiErr.Message == "" && resp.StatusCode >= 400 {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		span.SetStatus(codes.Error, apiErr.Message)
		if tokenRejected(apiErr) {
			c.log.Warn("auth rejected, clearing token", zap.String("path", path))
			if err := c.tokens.Clear(); err != nil {
				c.log.Warn("clear token", zap.Error(err))
			}
		}
		return env, apiErr
	}
	return env, nil
}

// call performs a request and decodes the envelope result into T.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values) (*T, error) {
	env, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result T
	if err := env.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) url.Values {
	if opts == nil {
		return nil
	}
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Sub-clients
// ============================================================================

// AuthClient handles login and identity.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a token and stores it.
func (a *AuthClient) Login(ctx context.Context, username, password string) (Identity, error) {
	tok, err := call[AuthToken](ctx, a.c, "POST", "/identity/auth/token",
		map[string]string{"username": username, "password": password}, nil)
	if err != nil {
		return Identity{}, err
	}
	if !tok.Authenticated || tok.Token == "" {
		return Identity{}, &APIError{Status: http.StatusUnauthorized, Message: "authentication rejected"}
	}
	if err := a.c.tokens.SetToken(tok.Token); err != nil {
		return Identity{}, fmt.Errorf("store token: %w", err)
	}
	return a.c.Identity()
}

// LoginRemembered logs in with credentials from a CredentialStore.
func (a *AuthClient) LoginRemembered(ctx context.Context, store CredentialStore) (Identity, error) {
	creds, ok := store.Remembered()
	if !ok {
		return Identity{}, ErrNoToken
	}
	return a.Login(ctx, creds.Username, creds.Password)
}

// Logout invalidates the token server-side and clears it locally. The local
// token is cleared even when the server call fails.
func (a *AuthClient) Logout(ctx context.Context) error {
	token := a.c.tokens.Token()
	if token == "" {
		return nil
	}
	_, err := a.c.doRequest(ctx, "POST", "/identity/auth/logout", map[string]string{"token": token}, nil)
	if cerr := a.c.tokens.Clear(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Introspect asks the server whether the stored token is still valid.
func (a *AuthClient) Introspect(ctx context.Context) (bool, error) {
	token := a.c.tokens.Token()
	if token == "" {
		return false, nil
	}
	res, err := call[IntrospectResult](ctx, a.c, "POST", "/identity/auth/introspect", map[string]string{"token": token}, nil)
	if err != nil {
		return false, err
	}
	return res.Valid, nil
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	return call[User](ctx, a.c, "GET", "/identity/users/my-info", nil, nil)
}

// PostsClient handles the feed.
type PostsClient struct{ c *Client }

func (p *PostsClient) Feed(ctx context.Context, opts *PageOptions) (*PageResponse[Post], error) {
	return call[PageResponse[Post]](ctx, p.c, "GET", "/post/feed", nil, pageQuery(opts))
}

func (p *PostsClient) Mine(ctx context.Context, opts *PageOptions) (*PageResponse[Post], error) {
	return call[PageResponse[Post]](ctx, p.c, "GET", "/post/my-posts", nil, pageQuery(opts))
}

func (p *PostsClient) Get(ctx context.Context, postID string) (*Post, error) {
	return call[Post](ctx, p.c, "GET", "/post/"+url.PathEscape(postID), nil, nil)
}

func (p *PostsClient) Create(ctx context.Context, req *CreatePostRequest) (*Post, error) {
	return call[Post](ctx, p.c, "POST", "/post/create", req, nil)
}

func (p *PostsClient) Delete(ctx context.Context, postID string) error {
	_, err := p.c.doRequest(ctx, "DELETE", "/post/"+url.PathEscape(postID), nil, nil)
	return err
}

// CommentsClient handles post comments.
type CommentsClient struct{ c *Client }

func (cm *CommentsClient) List(ctx context.Context, postID string) ([]Comment, error) {
	res, err := call[[]Comment](ctx, cm.c, "GET", "/post/"+url.PathEscape(postID)+"/comments", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (cm *CommentsClient) Create(ctx context.Context, postID, content string) (*Comment, error) {
	return call[Comment](ctx, cm.c, "POST", "/post/"+url.PathEscape(postID)+"/comments",
		map[string]string{"content": content}, nil)
}

func (cm *CommentsClient) Delete(ctx context.Context, commentID string) error {
	_, err := cm.c.doRequest(ctx, "DELETE", "/post/comments/"+url.PathEscape(commentID), nil, nil)
	return err
}

// LikesClient handles likes.
type LikesClient struct{ c *Client }

// Toggle likes the post, or unlikes it if already liked.
func (l *LikesClient) Toggle(ctx context.Context, postID string) (*LikeResult, error) {
	return call[LikeResult](ctx, l.c, "POST", "/post/"+url.PathEscape(postID)+"/like", nil, nil)
}

func (l *LikesClient) List(ctx context.Context, postID string) ([]Like, error) {
	res, err := call[[]Like](ctx, l.c, "GET", "/post/"+url.PathEscape(postID)+"/likes", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// StoriesClient handles stories.
type StoriesClient struct{ c *Client }

func (s *StoriesClient) List(ctx context.Context) ([]Story, error) {
	res, err := call[[]Story](ctx, s.c, "GET", "/post/stories", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (s *StoriesClient) Create(ctx context.Context, req *CreateStoryRequest) (*Story, error) {
	return call[Story](ctx, s.c, "POST", "/post/stories", req, nil)
}

func (s *StoriesClient) Delete(ctx context.Context, storyID string) error {
	_, err := s.c.doRequest(ctx, "DELETE", "/post/stories/"+url.PathEscape(storyID), nil, nil)
	return err
}

// ProfilesClient handles user profiles.
type ProfilesClient struct{ c *Client }

func (p *ProfilesClient) Get(ctx context.Context, userID string) (*Profile, error) {
	return call[Profile](ctx, p.c, "GET", "/profile/users/"+url.PathEscape(userID), nil, nil)
}

func (p *ProfilesClient) Mine(ctx context.Context) (*Profile, error) {
	return call[Profile](ctx, p.c, "GET", "/profile/users/my-profile", nil, nil)
}

func (p *ProfilesClient) UpdateMine(ctx context.Context, req *UpdateProfileRequest) (*Profile, error) {
	return call[Profile](ctx, p.c, "PUT", "/profile/users/my-profile", req, nil)
}

func (p *ProfilesClient) Search(ctx context.Context, keyword string) ([]Profile, error) {
	res, err := call[[]Profile](ctx, p.c, "POST", "/profile/users/search",
		map[string]string{"keyword": keyword}, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// NotificationsClient handles stored notifications.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, opts *PageOptions) (*PageResponse[Notification], error) {
	return call[PageResponse[Notification]](ctx, n.c, "GET", "/notification/notifications", nil, pageQuery(opts))
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) error {
	_, err := n.c.doRequest(ctx, "PUT", "/notification/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
	return err
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := n.c.doRequest(ctx, "PUT", "/notification/notifications/read-all", nil, nil)
	return err
}

// ConversationsClient handles conversation management. It satisfies
// ConversationAPI.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	res, err := call[[]Conversation](ctx, cv.c, "GET", "/chat/conversations/my-conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Create creates (or returns the existing) direct conversation with the participants.
func (cv *ConversationsClient) Create(ctx context.Context, participantIDs []string) (*Conversation, error) {
	return call[Conversation](ctx, cv.c, "POST", "/chat/conversations/create", &CreateConversationRequest{
		Type:           "DIRECT",
		ParticipantIDs: participantIDs,
	}, nil)
}

func (cv *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	_, err := cv.c.doRequest(ctx, "DELETE", "/chat/conversations/"+url.PathEscape(conversationID), nil, nil)
	return err
}

func (cv *ConversationsClient) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	res, err := call[UnreadCountResult](ctx, cv.c, "GET", "/chat/conversations/"+url.PathEscape(conversationID)+"/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID string) error {
	_, err := cv.c.doRequest(ctx, "POST", "/chat/conversations/"+url.PathEscape(conversationID)+"/mark-as-read", nil, nil)
	return err
}

// MessagesClient handles message history. It satisfies MessageAPI.
type MessagesClient struct{ c *Client }

// History returns the conversation's messages, oldest first.
func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	res, err := call[[]Message](ctx, m.c, "GET", "/chat/messages", nil, url.Values{"conversationId": {conversationID}})
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Create sends a message over REST, bypassing the socket.
func (m *MessagesClient) Create(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	return call[Message](ctx, m.c, "POST", "/chat/messages/create", req, nil)
}
