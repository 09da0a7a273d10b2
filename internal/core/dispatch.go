package core

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/multidash/messaging-gateway/internal/metrics"
)

// Adapter performs delivery attempts for one integration type. Implementations
// mark each row SENT or FAILED individually; one recipient's failure never
// blocks the rest of the batch. ValidateIntegration runs before any log row is
// created, so a misconfigured integration aborts with zero rows.
type Adapter interface {
	Type() IntegrationType
	ValidateIntegration(in *Integration) error
	Deliver(ctx context.Context, in *Integration, logs []*MessageLog, content string, attachments []Attachment)
}

// Dispatcher is the fan-out engine: it resolves recipients, creates one log
// row per target, and drives the matching adapter.
type Dispatcher struct {
	Store    *Store
	Adapters map[IntegrationType]Adapter
	Recorder *ActivityRecorder
}

func NewDispatcher(store *Store, adapters ...Adapter) *Dispatcher {
	byType := make(map[IntegrationType]Adapter, len(adapters))
	for _, a := range adapters {
		byType[a.Type()] = a
	}
	return &Dispatcher{
		Store:    store,
		Adapters: byType,
		Recorder: &ActivityRecorder{Store: store},
	}
}

type SendParams struct {
	ActorID         string
	UserIDs         []string
	GroupIDs        []string
	EmailRecipients []EmailRecipient
	LineRecipients  []LineRecipient
	AllowBroadcast  bool
	Title           *string
	Content         string
	Source          MessageSource
	IntegrationID   *string
	Attachments     []Attachment
}

type DispatchResult struct {
	TotalRecipients int      `json:"total_recipients"`
	UserIDs         []string `json:"user_ids"`
	GroupIDs        []string `json:"group_ids"`
	IntegrationID   *string  `json:"integration_id,omitempty"`
}

// Send is the manual/immediate dispatch entry point.
func (d *Dispatcher) Send(ctx context.Context, p SendParams) (DispatchResult, error) {
	var result DispatchResult

	if strings.TrimSpace(p.Content) == "" {
		return result, NewValidationError("message content is required")
	}
	if p.Source == "" {
		p.Source = SourceManual
	}

	var integration *Integration
	var adapter Adapter
	if p.IntegrationID != nil {
		in, err := d.Store.GetIntegration(ctx, *p.IntegrationID)
		if err != nil {
			return result, err
		}
		if in.UserID != p.ActorID {
			return result, NewNotFoundError("integration", *p.IntegrationID)
		}
		if !in.IsConnected {
			return result, &DisabledError{IntegrationID: in.ID}
		}
		integration = in
		if a, ok := d.Adapters[in.Type]; ok {
			adapter = a
			if err := a.ValidateIntegration(in); err != nil {
				return result, err
			}
		}
	}

	members, err := d.Store.GroupMembers(ctx, uniqueStrings(p.GroupIDs))
	if err != nil {
		return result, err
	}
	targets := ResolveTargets(p.UserIDs, p.GroupIDs, members, p.EmailRecipients, p.LineRecipients)

	// Channels with an out-of-process delivery step start PENDING; everything
	// else is terminal at creation.
	now := time.Now()
	initialStatus := StatusSent
	var initialSentAt *time.Time
	if adapter != nil {
		initialStatus = StatusPending
	} else {
		initialSentAt = &now
	}

	// LINE pushes to user recipients go to their linked account ID, stamped on
	// the row at creation so the adapter never resolves identities itself.
	lineUserMap := map[string]string{}
	if integration != nil && integration.Type == IntegrationLine {
		var userIDs []string
		for _, t := range targets {
			switch v := t.(type) {
			case DirectUser:
				userIDs = append(userIDs, v.UserID)
			case GroupMember:
				userIDs = append(userIDs, v.UserID)
			}
		}
		lineUserMap, err = d.Store.LineUserIDs(ctx, uniqueStrings(userIDs))
		if err != nil {
			return result, err
		}
	}

	logs := make([]*MessageLog, 0, len(targets))
	for _, t := range targets {
		row := &MessageLog{
			SenderID:      &p.ActorID,
			Direction:     DirectionOutbound,
			Source:        p.Source,
			Title:         p.Title,
			Content:       p.Content,
			IntegrationID: p.IntegrationID,
			Status:        initialStatus,
			SentAt:        initialSentAt,
		}
		switch v := t.(type) {
		case DirectUser:
			row.Channel = ChannelDirect
			row.RecipientUserID = strPtr(v.UserID)
			if lineID, ok := lineUserMap[v.UserID]; ok {
				row.LineRecipientID = &lineID
			}
		case GroupMember:
			row.Channel = ChannelGroup
			row.RecipientUserID = strPtr(v.UserID)
			row.RecipientGroupID = strPtr(v.GroupID)
			if lineID, ok := lineUserMap[v.UserID]; ok {
				row.LineRecipientID = &lineID
			}
		case EmailTarget:
			row.Channel = ChannelDirect
			row.RecipientEmail = strPtr(v.Email)
			if v.ContactID != "" {
				row.EmailContactID = strPtr(v.ContactID)
			}
		case LineTarget:
			row.Channel = ChannelDirect
			row.LineRecipientID = strPtr(v.LineUserID)
			if v.ContactID != "" {
				row.LineContactID = strPtr(v.ContactID)
			}
		default:
			continue
		}
		logs = append(logs, row)
	}

	if len(logs) == 0 && p.AllowBroadcast {
		logs = append(logs, &MessageLog{
			SenderID:      &p.ActorID,
			Channel:       ChannelBroadcast,
			Direction:     DirectionOutbound,
			Source:        p.Source,
			Title:         p.Title,
			Content:       p.Content,
			IntegrationID: p.IntegrationID,
			Status:        initialStatus,
			SentAt:        initialSentAt,
		})
	}
	if len(logs) == 0 {
		return result, NewValidationError("at least one recipient is required")
	}

	if err := d.Store.InsertMessageLogs(ctx, logs); err != nil {
		return result, err
	}

	if len(p.Attachments) > 0 {
		logIDs := make([]string, len(logs))
		for i, row := range logs {
			logIDs[i] = row.ID
		}
		if err := d.Store.InsertAttachments(ctx, logIDs, p.Attachments); err != nil {
			return result, err
		}
	}

	d.Recorder.Record(ctx, Activity{
		Type:       ActivityMessageSend,
		ActorID:    &p.ActorID,
		EntityType: "MANUAL_MESSAGE",
		Metadata:   sendActivityMetadata(p, logs),
	})

	if adapter != nil {
		adapter.Deliver(ctx, integration, logs, p.Content, p.Attachments)
	}

	metrics.DispatchTotal.WithLabelValues("ok").Inc()
	metrics.DispatchRecipients.Observe(float64(len(logs)))

	result.TotalRecipients = len(logs)
	result.GroupIDs = uniqueStrings(p.GroupIDs)
	result.IntegrationID = p.IntegrationID
	for _, row := range logs {
		if row.RecipientUserID != nil {
			result.UserIDs = append(result.UserIDs, *row.RecipientUserID)
		}
	}
	return result, nil
}

func sendActivityMetadata(p SendParams, logs []*MessageLog) map[string]any {
	preview := p.Content
	if len(preview) > 120 {
		preview = preview[:120]
	}
	var users, emails, lineIDs []string
	for _, row := range logs {
		if row.RecipientUserID != nil {
			users = append(users, *row.RecipientUserID)
		}
		if row.RecipientEmail != nil {
			emails = append(emails, *row.RecipientEmail)
		}
		if row.LineRecipientID != nil {
			lineIDs = append(lineIDs, *row.LineRecipientID)
		}
	}
	md := map[string]any{
		"content_preview": preview,
		"users":           users,
		"groups":          uniqueStrings(p.GroupIDs),
		"emails":          emails,
		"line_recipients": lineIDs,
	}
	if p.IntegrationID != nil {
		md["integration_id"] = *p.IntegrationID
	}
	return md
}

// LogInbound records an externally received message (webhook-originated) as an
// INBOUND row that is terminal at creation.
func (d *Dispatcher) LogInbound(ctx context.Context, userID, content string) (*MessageLog, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("message content is required")
	}
	now := time.Now()
	row := &MessageLog{
		SenderID:  &userID,
		Channel:   ChannelDirect,
		Direction: DirectionInbound,
		Source:    SourceManual,
		Content:   content,
		Status:    StatusSent,
		SentAt:    &now,
	}
	if err := d.Store.InsertMessageLog(ctx, row); err != nil {
		return nil, err
	}
	d.Recorder.Record(ctx, Activity{
		Type:       ActivityMessageReceive,
		ActorID:    &userID,
		EntityID:   &row.ID,
		EntityType: "MESSAGE_LOG",
	})
	return row, nil
}

// ---- scheduled messages ----

type ScheduleParams struct {
	AdminID    string
	Title      *string
	Content    string
	ScheduleAt time.Time
	UserIDs    []string
	GroupIDs   []string
}

func (d *Dispatcher) CreateScheduledMessage(ctx context.Context, p ScheduleParams) (*ScheduledMessage, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, NewValidationError("message content is required")
	}
	if p.ScheduleAt.IsZero() {
		return nil, NewValidationError("schedule time is required")
	}
	if !p.ScheduleAt.After(time.Now()) {
		return nil, NewValidationError("schedule time must be in the future")
	}

	directIDs := uniqueStrings(p.UserIDs)
	groupIDs := uniqueStrings(p.GroupIDs)
	if len(directIDs) == 0 && len(groupIDs) == 0 {
		return nil, NewValidationError("at least one recipient is required")
	}

	msg := &ScheduledMessage{
		AdminID:    p.AdminID,
		Title:      p.Title,
		Content:    p.Content,
		ScheduleAt: p.ScheduleAt,
	}
	for _, id := range directIDs {
		msg.Recipients = append(msg.Recipients, ScheduledRecipient{RecipientType: RecipientUser, UserID: strPtr(id)})
	}
	for _, id := range groupIDs {
		msg.Recipients = append(msg.Recipients, ScheduledRecipient{RecipientType: RecipientGroup, GroupID: strPtr(id)})
	}

	if err := d.Store.InsertScheduledMessage(ctx, msg); err != nil {
		return nil, err
	}

	d.Recorder.Record(ctx, Activity{
		Type:       ActivityMessageSend,
		ActorID:    &p.AdminID,
		EntityID:   &msg.ID,
		EntityType: "SCHEDULED_MESSAGE",
		Metadata: map[string]any{
			"schedule_at":      p.ScheduleAt.Format(time.RFC3339),
			"user_recipients":  directIDs,
			"group_recipients": groupIDs,
		},
	})
	return msg, nil
}

// CancelScheduledMessage is idempotent: cancelling an already cancelled
// message returns it unchanged.
func (d *Dispatcher) CancelScheduledMessage(ctx context.Context, id, adminID string) (*ScheduledMessage, error) {
	msg, err := d.Store.GetScheduledMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status == ScheduleCancelled {
		return msg, nil
	}
	if err := d.Store.CancelSchedule(ctx, id); err != nil {
		return nil, err
	}
	d.Recorder.Record(ctx, Activity{
		Type:       ActivityMessageFail,
		ActorID:    &adminID,
		EntityID:   &id,
		EntityType: "SCHEDULED_MESSAGE",
		Metadata:   map[string]any{"action": "CANCEL"},
	})
	return d.Store.GetScheduledMessage(ctx, id)
}

// RescheduleScheduledMessage moves a non-terminal message back to PENDING at a
// new time. SENT and CANCELLED are terminal and reject the change.
func (d *Dispatcher) RescheduleScheduledMessage(ctx context.Context, id, adminID string, at time.Time) (*ScheduledMessage, error) {
	msg, err := d.Store.GetScheduledMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.AdminID != adminID {
		return nil, NewNotFoundError("scheduled message", id)
	}
	if msg.Status == ScheduleSent || msg.Status == ScheduleCancelled {
		return nil, NewValidationError("cannot reschedule sent or cancelled message")
	}
	if at.IsZero() {
		return nil, NewValidationError("schedule time is required")
	}
	if err := d.Store.RescheduleSchedule(ctx, id, at); err != nil {
		return nil, err
	}
	return d.Store.GetScheduledMessage(ctx, id)
}

// ProcessDueScheduledMessages drains due work: claim, expand, log, finalize.
// One message's failure never aborts the batch; FAILED messages drop out of
// the due query and are only retried by an explicit reschedule.
func (d *Dispatcher) ProcessDueScheduledMessages(ctx context.Context) error {
	claimed, err := d.Store.ClaimDueScheduledMessages(ctx, 10)
	if err != nil {
		metrics.SchedulerClaimTotal.WithLabelValues("error").Inc()
		return err
	}
	if len(claimed) == 0 {
		metrics.SchedulerClaimTotal.WithLabelValues("empty").Inc()
		return nil
	}
	metrics.SchedulerClaimTotal.WithLabelValues("ok").Inc()

	for i := range claimed {
		msg := &claimed[i]
		delivered, err := d.deliverScheduled(ctx, msg)
		if err != nil {
			metrics.SchedulerProcessed.WithLabelValues("failed").Inc()
			log.Printf("scheduled message %s failed: %v", msg.ID, err)
			if markErr := d.Store.MarkScheduleFailed(ctx, msg.ID, err.Error()); markErr != nil {
				log.Printf("mark schedule %s failed: %v", msg.ID, markErr)
			}
			d.Recorder.Record(ctx, Activity{
				Type:       ActivityMessageFail,
				ActorID:    &msg.AdminID,
				EntityID:   &msg.ID,
				EntityType: "SCHEDULED_MESSAGE",
				Metadata:   map[string]any{"error": err.Error()},
			})
			continue
		}
		if err := d.Store.MarkScheduleSent(ctx, msg.ID); err != nil {
			log.Printf("mark schedule %s sent: %v", msg.ID, err)
			continue
		}
		metrics.SchedulerProcessed.WithLabelValues("sent").Inc()
		log.Printf("scheduled message %s delivered to %d recipient(s)", msg.ID, delivered)
	}
	return nil
}

// deliverScheduled expands recipients and writes terminal log rows. Scheduled
// delivery is direct-to-user logging and never routes through a channel
// adapter, so rows are created SENT.
func (d *Dispatcher) deliverScheduled(ctx context.Context, msg *ScheduledMessage) (int, error) {
	targets, err := ResolveScheduledTargets(ctx, d.Store, msg.Recipients)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, NewValidationError("scheduled message has no valid recipients")
	}

	now := time.Now()
	logs := make([]*MessageLog, 0, len(targets))
	var deliveredTo []string
	for _, t := range targets {
		row := &MessageLog{
			SenderID:           &msg.AdminID,
			Direction:          DirectionOutbound,
			Source:             SourceScheduled,
			Title:              msg.Title,
			Content:            msg.Content,
			ScheduledMessageID: &msg.ID,
			Status:             StatusSent,
			SentAt:             &now,
		}
		switch v := t.(type) {
		case DirectUser:
			row.Channel = ChannelDirect
			row.RecipientUserID = strPtr(v.UserID)
		case GroupMember:
			row.Channel = ChannelGroup
			row.RecipientUserID = strPtr(v.UserID)
			row.RecipientGroupID = strPtr(v.GroupID)
		default:
			continue
		}
		deliveredTo = append(deliveredTo, *row.RecipientUserID)
		logs = append(logs, row)
	}

	if err := d.Store.InsertMessageLogs(ctx, logs); err != nil {
		return 0, err
	}

	d.Recorder.Record(ctx, Activity{
		Type:       ActivityMessageSend,
		ActorID:    &msg.AdminID,
		EntityID:   &msg.ID,
		EntityType: "SCHEDULED_MESSAGE",
		Metadata: map[string]any{
			"delivered_at": now.Format(time.RFC3339),
			"recipients":   deliveredTo,
		},
	})
	return len(logs), nil
}

func strPtr(s string) *string { return &s }
