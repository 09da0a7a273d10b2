package core

import (
	"time"
)

type IntegrationType string

const (
	IntegrationEmail    IntegrationType = "EMAIL"
	IntegrationLine     IntegrationType = "LINE"
	IntegrationDiscord  IntegrationType = "DISCORD"
	IntegrationFacebook IntegrationType = "FACEBOOK"
)

type MessageChannel string

const (
	ChannelDirect    MessageChannel = "DIRECT"
	ChannelGroup     MessageChannel = "GROUP"
	ChannelBroadcast MessageChannel = "BROADCAST"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

type MessageSource string

const (
	SourceManual    MessageSource = "MANUAL"
	SourceScheduled MessageSource = "SCHEDULED"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "PENDING"
	StatusSent    MessageStatus = "SENT"
	StatusFailed  MessageStatus = "FAILED"
)

type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "PENDING"
	ScheduleProcessing ScheduleStatus = "PROCESSING"
	ScheduleSent       ScheduleStatus = "SENT"
	ScheduleFailed     ScheduleStatus = "FAILED"
	ScheduleCancelled  ScheduleStatus = "CANCELLED"
)

type RecipientType string

const (
	RecipientUser  RecipientType = "USER"
	RecipientGroup RecipientType = "GROUP"
)

// MessageLog is one delivery record per (logical send, resolved recipient).
// Status moves PENDING->SENT or PENDING->FAILED and never leaves a terminal state.
type MessageLog struct {
	ID                 string           `json:"id"`
	SenderID           *string          `json:"sender_id,omitempty"`
	RecipientUserID    *string          `json:"recipient_user_id,omitempty"`
	RecipientGroupID   *string          `json:"recipient_group_id,omitempty"`
	RecipientEmail     *string          `json:"recipient_email,omitempty"`
	EmailContactID     *string          `json:"email_contact_id,omitempty"`
	LineContactID      *string          `json:"line_contact_id,omitempty"`
	LineRecipientID    *string          `json:"line_recipient_id,omitempty"`
	Channel            MessageChannel   `json:"channel"`
	Direction          MessageDirection `json:"direction"`
	Source             MessageSource    `json:"source"`
	Title              *string          `json:"title,omitempty"`
	Content            string           `json:"content"`
	IntegrationID      *string          `json:"integration_id,omitempty"`
	ScheduledMessageID *string          `json:"scheduled_message_id,omitempty"`
	Status             MessageStatus    `json:"status"`
	Error              *string          `json:"error,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	SentAt             *time.Time       `json:"sent_at,omitempty"`
}

type ScheduledMessage struct {
	ID              string               `json:"id"`
	AdminID         string               `json:"admin_id"`
	Title           *string              `json:"title,omitempty"`
	Content         string               `json:"content"`
	ScheduleAt      time.Time            `json:"schedule_at"`
	Status          ScheduleStatus       `json:"status"`
	LastProcessedAt *time.Time           `json:"last_processed_at,omitempty"`
	Error           *string              `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	Recipients      []ScheduledRecipient `json:"recipients,omitempty"`
}

// ScheduledRecipient is a tagged union: USER entries carry UserID,
// GROUP entries carry GroupID. The table CHECK enforces the same shape.
type ScheduledRecipient struct {
	ID            string        `json:"id"`
	RecipientType RecipientType `json:"recipient_type"`
	UserID        *string       `json:"user_id,omitempty"`
	GroupID       *string       `json:"group_id,omitempty"`
}

// Integration is a capability descriptor owned by an external collaborator;
// the dispatch engine only reads it. Credentials and config are opaque maps
// validated by each adapter against its own required keys.
type Integration struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        IntegrationType   `json:"type"`
	IsConnected bool              `json:"is_connected"`
	Credentials map[string]string `json:"-"`
	Config      map[string]string `json:"-"`
}

// Attachment carries upload metadata only; file bytes are owned by the
// upload collaborator.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
}

type ActivityType string

const (
	ActivityMessageSend    ActivityType = "MESSAGE_SEND"
	ActivityMessageReceive ActivityType = "MESSAGE_RECEIVE"
	ActivityMessageFail    ActivityType = "MESSAGE_FAIL"
)

type Activity struct {
	Type       ActivityType
	ActorID    *string
	EntityID   *string
	EntityType string
	Metadata   map[string]any
}
