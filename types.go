package socialhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a socket operation needs a live connection.
	ErrNotConnected = errors.New("socialhub: not connected")
	// ErrNoActiveConversation is returned when sending without a selected conversation.
	ErrNoActiveConversation = errors.New("socialhub: no active conversation")
	// ErrEmptyMessage is returned when a message has neither text nor attachments.
	ErrEmptyMessage = errors.New("socialhub: message is empty")
	// ErrUnknownConversation is returned when selecting a conversation that is not in the list.
	ErrUnknownConversation = errors.New("socialhub: unknown conversation")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("socialhub: message is not in failed state")
	// ErrSessionClosed is returned when starting a chat session after Close.
	ErrSessionClosed = errors.New("socialhub: chat session closed")
	// ErrUnauthorized matches authentication failures from REST and sockets.
	ErrUnauthorized = errors.New("socialhub: unauthorized")
	// ErrNoToken is returned when an authenticated call is made without a stored token.
	ErrNoToken = errors.New("socialhub: no auth token, log in first")
)

// CodeSuccess is the envelope code the backend uses for success.
const CodeSuccess = 1000

// APIError represents a failed REST call: an HTTP error status or an
// envelope whose code is not CodeSuccess.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d, code %d", e.Status, e.Code)
	}
	return fmt.Sprintf("api error: status %d, code %d: %s", e.Status, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 and 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// tokenRejected reports a 401: the token itself is invalid or expired and
// must be cleared. A 403 is still an auth error but leaves the token alone.
func tokenRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// APIResponse is the backend response envelope.
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// OK reports whether the envelope signals success.
func (r *APIResponse) OK() bool {
	return r.Code == CodeSuccess
}

// Decode unmarshals the Result field into v.
func (r *APIResponse) Decode(v interface{}) error {
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// PageResponse is a paginated result.
type PageResponse[T any] struct {
	CurrentPage   int `json:"currentPage"`
	TotalPages    int `json:"totalPages"`
	PageSize      int `json:"pageSize"`
	TotalElements int `json:"totalElements"`
	Data          []T `json:"data"`
}

// PageOptions selects a page. Zero values let the server decide.
type PageOptions struct {
	Page int
	Size int
}

// ============================================================================
// Identity & Profiles
// ============================================================================

type AuthToken struct {
	Token         string `json:"token"`
	Authenticated bool   `json:"authenticated"`
}

type IntrospectResult struct {
	Valid bool `json:"valid"`
}

type User struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

type Profile struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Bio       string `json:"bio,omitempty"`
	City      string `json:"city,omitempty"`
	Dob       string `json:"dob,omitempty"`
}

type UpdateProfileRequest struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Bio       string `json:"bio,omitempty"`
	City      string `json:"city,omitempty"`
	Dob       string `json:"dob,omitempty"`
}

// ============================================================================
// Feed
// ============================================================================

type Post struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Content      string    `json:"content"`
	ImageURLs    []string  `json:"imageUrls,omitempty"`
	LikedBy      []string  `json:"likedUserIds,omitempty"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	Created      string    `json:"created,omitempty"`
	CreatedDate  time.Time `json:"createdDate"`
}

// IsLikedBy reports whether the given identity has liked the post.
func (p *Post) IsLikedBy(id Identity) bool {
	for _, uid := range p.LikedBy {
		if id.Is(uid) {
			return true
		}
	}
	return false
}

type CreatePostRequest struct {
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
}

type Comment struct {
	ID          string    `json:"id"`
	PostID      string    `json:"postId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Content     string    `json:"content"`
	CreatedDate time.Time `json:"createdDate"`
}

type Like struct {
	ID       string `json:"id"`
	PostID   string `json:"postId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type LikeResult struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"likeCount"`
}

type Story struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	MediaURL    string    `json:"mediaUrl"`
	MediaType   string    `json:"mediaType,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	CreatedDate time.Time `json:"createdDate"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type CreateStoryRequest struct {
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationType string

const (
	NotificationLike    NotificationType = "LIKE"
	NotificationComment NotificationType = "COMMENT"
	NotificationFollow  NotificationType = "FOLLOW"
	NotificationStory   NotificationType = "STORY"
	NotificationMessage NotificationType = "MESSAGE"
)

type Notification struct {
	ID         string           `json:"id"`
	SenderID   string           `json:"senderId"`
	SenderName string           `json:"senderName,omitempty"`
	ReceiverID string           `json:"receiverId,omitempty"`
	Content    string           `json:"content"`
	Type       NotificationType `json:"type"`
	PostID     string           `json:"postId,omitempty"`
	StoryID    string           `json:"storyId,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// ============================================================================
// Messaging
// ============================================================================

// Participant is a conversation member as the chat service reports it.
type Participant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// Conversation is a chat thread. Temporary conversations exist only locally
// until the server confirms them.
type Conversation struct {
	ID            string        `json:"id"`
	Type          string        `json:"type,omitempty"`
	Name          string        `json:"conversationName"`
	Avatar        string        `json:"conversationAvatar,omitempty"`
	LastMessage   string        `json:"lastMessage,omitempty"`
	LastMessageAt time.Time     `json:"lastMessageAt"`
	Participants  []Participant `json:"participants,omitempty"`
	CreatedAt     time.Time     `json:"createdDate"`
	ModifiedAt    time.Time     `json:"modifiedDate"`
	Temporary     bool          `json:"-"`
}

// LastActivity is the timestamp the conversation list orders by.
func (c *Conversation) LastActivity() time.Time {
	switch {
	case !c.LastMessageAt.IsZero():
		return c.LastMessageAt
	case !c.ModifiedAt.IsZero():
		return c.ModifiedAt
	default:
		return c.CreatedAt
	}
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// DeliveryState tracks an outgoing message through optimistic send.
// The zero value is DeliveryConfirmed so server records decode as confirmed.
type DeliveryState int

const (
	DeliveryConfirmed DeliveryState = iota
	DeliveryPending
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Attachment references media hosted by the asset service.
type Attachment struct {
	URL      string `json:"url"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message. ID holds the temporary identifier while the
// message is pending.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Body           string        `json:"message"`
	Sender         Participant   `json:"sender"`
	Me             bool          `json:"me"`
	CreatedAt      time.Time     `json:"createdDate"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	State          DeliveryState `json:"-"`
	Err            string        `json:"-"`
}

// SenderID returns the sender's user ID.
func (m *Message) SenderID() string {
	return m.Sender.UserID
}

// Preview is the conversation-list text for the message.
func (m *Message) Preview() string {
	if m.Body != "" {
		return m.Body
	}
	if len(m.Attachments) > 0 {
		return "[attachment]"
	}
	return ""
}

type CreateConversationRequest struct {
	Type           string   `json:"type"`
	ParticipantIDs []string `json:"participantIds"`
}

type CreateMessageRequest struct {
	ConversationID string       `json:"conversationId"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type UnreadCountResult struct {
	ConversationID string `json:"conversationId,omitempty"`
	Count          int    `json:"unreadCount"`
}

// ============================================================================
// Media
// ============================================================================

// MediaUploadResult is the asset host's response to an upload.
type MediaUploadResult struct {
	URL          string `json:"secure_url"`
	PublicID     string `json:"public_id"`
	ResourceType string `json:"resource_type"`
	Format       string `json:"format,omitempty"`
	Bytes        int64  `json:"bytes"`
	OriginalName string `json:"original_filename,omitempty"`
}

// Attachment converts the upload into a message attachment.
func (r *MediaUploadResult) Attachment(name, mimeType string) Attachment {
	return Attachment{URL: r.URL, Type: r.ResourceType, Name: name, MimeType: mimeType, Size: r.Bytes}
}

// UploadOptions configures a media upload.
type UploadOptions struct {
	FileName   string
	MimeType   string
	OnProgress func(uploaded, total int64)
}
