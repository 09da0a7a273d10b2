package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAdapter stands in for a delivery channel; it records batches and can
// finalize rows the way a real adapter would.
type fakeAdapter struct {
	typ         IntegrationType
	store       *Store
	validateErr error
	markSent    bool

	batches [][]*MessageLog
}

func (f *fakeAdapter) Type() IntegrationType { return f.typ }

func (f *fakeAdapter) ValidateIntegration(*Integration) error { return f.validateErr }

func (f *fakeAdapter) Deliver(ctx context.Context, _ *Integration, logs []*MessageLog, _ string, _ []Attachment) {
	f.batches = append(f.batches, logs)
	if f.markSent {
		for _, row := range logs {
			_ = f.store.MarkLogSent(ctx, row.ID)
		}
	}
}

func seedIntegration(t *testing.T, s *Store, owner string, typ IntegrationType, connected bool, creds map[string]string) string {
	t.Helper()
	if creds == nil {
		creds = map[string]string{}
	}
	id, err := s.CreateIntegration(context.Background(), Integration{
		UserID: owner, Type: typ, IsConnected: connected,
		Credentials: creds, Config: map[string]string{},
	})
	require.NoError(t, err)
	return id
}

func TestSendWithoutIntegrationCreatesTerminalRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)

	actor := seedUser(t, s, "admin", "", "")
	u1 := seedUser(t, s, "u1", "", "")
	u2 := seedUser(t, s, "u2", "", "")
	u3 := seedUser(t, s, "u3", "", "")
	group := seedGroup(t, s, "team", u2, u3)

	result, err := d.Send(ctx, SendParams{
		ActorID:  actor,
		UserIDs:  []string{u1, u2, u1},
		GroupIDs: []string{group},
		Content:  "hello all",
	})
	require.NoError(t, err)

	// 2 direct rows plus 2 group rows; u2 appears in both on purpose.
	require.Equal(t, 4, result.TotalRecipients)
	require.Equal(t, []string{group}, result.GroupIDs)

	logs, err := s.QueryMessageLogs(ctx, LogFilter{SenderID: &actor})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	for _, row := range logs {
		require.Equal(t, StatusSent, row.Status)
		require.NotNil(t, row.SentAt)
		require.Equal(t, SourceManual, row.Source)
		require.Equal(t, DirectionOutbound, row.Direction)
	}

	n, err := s.CountActivities(ctx, ActivityMessageSend)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSendDedupsNormalizedEmails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	actor := seedUser(t, s, "admin", "", "")

	result, err := d.Send(ctx, SendParams{
		ActorID: actor,
		EmailRecipients: []EmailRecipient{
			{Email: "A@x.com"},
			{Email: " a@x.com "},
		},
		Content: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalRecipients)

	logs, err := s.QueryMessageLogs(ctx, LogFilter{SenderID: &actor})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "a@x.com", *logs[0].RecipientEmail)
	require.Equal(t, ChannelDirect, logs[0].Channel)
}

func TestSendValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	actor := seedUser(t, s, "admin", "", "")

	_, err := d.Send(ctx, SendParams{ActorID: actor, UserIDs: []string{actor}, Content: "   "})
	require.True(t, IsValidation(err))

	_, err = d.Send(ctx, SendParams{ActorID: actor, Content: "no one to send to"})
	require.True(t, IsValidation(err))
	require.EqualError(t, err, "at least one recipient is required")
}

func TestSendMisconfiguredIntegrationCreatesNoRows(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()
	actor := seedUser(t, s, "admin", "", "")
	target := seedUser(t, s, "target", "", "")
	integrationID := seedIntegration(t, s, actor, IntegrationEmail, true, nil)

	fake := &fakeAdapter{
		typ:         IntegrationEmail,
		store:       s,
		validateErr: &ConfigurationError{Integration: IntegrationEmail, Key: "credential smtpHost"},
	}
	d := NewDispatcher(s, fake)

	_, err := d.Send(ctx, SendParams{
		ActorID:       actor,
		UserIDs:       []string{target},
		Content:       "hello",
		IntegrationID: &integrationID,
	})
	require.True(t, IsConfiguration(err))
	require.Zero(t, countLogs(t, pool))
	require.Empty(t, fake.batches)
}

func TestSendDisabledIntegration(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()
	actor := seedUser(t, s, "admin", "", "")
	target := seedUser(t, s, "target", "", "")
	integrationID := seedIntegration(t, s, actor, IntegrationDiscord, false, map[string]string{"webhookUrl": "https://x"})

	d := NewDispatcher(s, &fakeAdapter{typ: IntegrationDiscord, store: s})
	_, err := d.Send(ctx, SendParams{
		ActorID: actor, UserIDs: []string{target},
		Content: "hi", IntegrationID: &integrationID,
	})
	require.True(t, IsDisabled(err))
	require.Zero(t, countLogs(t, pool))
}

func TestSendForeignIntegrationNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	owner := seedUser(t, s, "owner", "", "")
	other := seedUser(t, s, "other", "", "")
	integrationID := seedIntegration(t, s, owner, IntegrationDiscord, true, map[string]string{"webhookUrl": "https://x"})

	d := NewDispatcher(s, &fakeAdapter{typ: IntegrationDiscord, store: s})
	_, err := d.Send(ctx, SendParams{
		ActorID: other, UserIDs: []string{owner},
		Content: "hi", IntegrationID: &integrationID,
	})
	require.True(t, IsNotFound(err))
}

func TestSendBroadcastFallback(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	actor := seedUser(t, s, "admin", "", "")
	integrationID := seedIntegration(t, s, actor, IntegrationDiscord, true, map[string]string{"webhookUrl": "https://x"})

	fake := &fakeAdapter{typ: IntegrationDiscord, store: s, markSent: true}
	d := NewDispatcher(s, fake)

	result, err := d.Send(ctx, SendParams{
		ActorID:        actor,
		AllowBroadcast: true,
		Content:        "channel-wide announcement",
		IntegrationID:  &integrationID,
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalRecipients)
	require.Len(t, fake.batches, 1)
	require.Len(t, fake.batches[0], 1)

	row, err := s.GetMessageLog(ctx, fake.batches[0][0].ID)
	require.NoError(t, err)
	require.Equal(t, ChannelBroadcast, row.Channel)
	require.Equal(t, StatusSent, row.Status) // adapter finalized it

	// Without AllowBroadcast an empty recipient set is rejected outright.
	_, err = d.Send(ctx, SendParams{
		ActorID: actor, Content: "nope", IntegrationID: &integrationID,
	})
	require.True(t, IsValidation(err))
}

func TestSendStampsLineRecipientIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	actor := seedUser(t, s, "admin", "", "")
	linked := seedUser(t, s, "linked", "", "Uabcdef")
	unlinked := seedUser(t, s, "unlinked", "", "")
	integrationID := seedIntegration(t, s, actor, IntegrationLine, true, map[string]string{"channelAccessToken": "tok"})

	fake := &fakeAdapter{typ: IntegrationLine, store: s}
	d := NewDispatcher(s, fake)

	_, err := d.Send(ctx, SendParams{
		ActorID:       actor,
		UserIDs:       []string{linked, unlinked},
		Content:       "ping",
		IntegrationID: &integrationID,
	})
	require.NoError(t, err)
	require.Len(t, fake.batches, 1)

	byUser := map[string]*MessageLog{}
	for _, row := range fake.batches[0] {
		require.Equal(t, StatusPending, row.Status)
		byUser[*row.RecipientUserID] = row
	}
	require.NotNil(t, byUser[linked].LineRecipientID)
	require.Equal(t, "Uabcdef", *byUser[linked].LineRecipientID)
	require.Nil(t, byUser[unlinked].LineRecipientID)
}

func TestLogInbound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	user := seedUser(t, s, "sender", "", "Uxyz")

	row, err := d.LogInbound(ctx, user, "incoming text")
	require.NoError(t, err)
	require.Equal(t, DirectionInbound, row.Direction)
	require.Equal(t, StatusSent, row.Status)
	require.NotNil(t, row.SentAt)

	n, err := s.CountActivities(ctx, ActivityMessageReceive)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = d.LogInbound(ctx, user, "  ")
	require.True(t, IsValidation(err))
}

func TestCreateScheduledMessageValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	admin := seedUser(t, s, "admin", "", "")
	target := seedUser(t, s, "target", "", "")

	_, err := d.CreateScheduledMessage(ctx, ScheduleParams{
		AdminID: admin, Content: "late", ScheduleAt: time.Now().Add(-time.Minute),
		UserIDs: []string{target},
	})
	require.True(t, IsValidation(err))

	_, err = d.CreateScheduledMessage(ctx, ScheduleParams{
		AdminID: admin, Content: "no one", ScheduleAt: time.Now().Add(time.Hour),
	})
	require.True(t, IsValidation(err))

	msg, err := d.CreateScheduledMessage(ctx, ScheduleParams{
		AdminID: admin, Content: "soon", ScheduleAt: time.Now().Add(time.Hour),
		UserIDs: []string{target, target},
	})
	require.NoError(t, err)
	require.Equal(t, SchedulePending, msg.Status)
	require.Len(t, msg.Recipients, 1)
	require.Equal(t, RecipientUser, msg.Recipients[0].RecipientType)
}

func TestProcessDueScheduledMessages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	admin := seedUser(t, s, "admin", "", "")
	u1 := seedUser(t, s, "u1", "", "")
	u2 := seedUser(t, s, "u2", "", "")
	group := seedGroup(t, s, "team", u1, u2)

	id := seedSchedule(t, s, admin, time.Now().Add(-time.Minute), SchedulePending,
		userRecipient(u1), groupRecipient(group))

	require.NoError(t, d.ProcessDueScheduledMessages(ctx))

	msg, err := s.GetScheduledMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ScheduleSent, msg.Status)

	// u1 was addressed directly and via the group: one row only, the direct one.
	source := SourceScheduled
	logs, err := s.QueryMessageLogs(ctx, LogFilter{Source: &source})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	byUser := map[string]MessageLog{}
	for _, row := range logs {
		require.Equal(t, StatusSent, row.Status)
		require.Equal(t, id, *row.ScheduledMessageID)
		byUser[*row.RecipientUserID] = row
	}
	require.Equal(t, ChannelDirect, byUser[u1].Channel)
	require.Equal(t, ChannelGroup, byUser[u2].Channel)
	require.Equal(t, group, *byUser[u2].RecipientGroupID)

	// Drained: next poll claims nothing.
	require.NoError(t, d.ProcessDueScheduledMessages(ctx))
	logs, err = s.QueryMessageLogs(ctx, LogFilter{Source: &source})
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestProcessDueScheduledMessagesNoValidRecipients(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	admin := seedUser(t, s, "admin", "", "")
	emptyGroup := seedGroup(t, s, "ghosts")

	id := seedSchedule(t, s, admin, time.Now().Add(-time.Minute), SchedulePending,
		groupRecipient(emptyGroup))

	require.NoError(t, d.ProcessDueScheduledMessages(ctx))

	msg, err := s.GetScheduledMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ScheduleFailed, msg.Status)
	require.NotNil(t, msg.Error)
	require.Equal(t, "scheduled message has no valid recipients", *msg.Error)

	n, err := s.CountActivities(ctx, ActivityMessageFail)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCancelScheduledMessageIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	admin := seedUser(t, s, "admin", "", "")
	target := seedUser(t, s, "target", "", "")

	id := seedSchedule(t, s, admin, time.Now().Add(time.Hour), SchedulePending, userRecipient(target))

	msg, err := d.CancelScheduledMessage(ctx, id, admin)
	require.NoError(t, err)
	require.Equal(t, ScheduleCancelled, msg.Status)

	again, err := d.CancelScheduledMessage(ctx, id, admin)
	require.NoError(t, err)
	require.Equal(t, ScheduleCancelled, again.Status)

	// Only the first cancel writes an audit entry.
	n, err := s.CountActivities(ctx, ActivityMessageFail)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRescheduleStatusMatrix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s)
	admin := seedUser(t, s, "admin", "", "")
	other := seedUser(t, s, "other", "", "")
	target := seedUser(t, s, "target", "", "")
	at := time.Now().Add(2 * time.Hour)

	pending := seedSchedule(t, s, admin, time.Now().Add(time.Hour), SchedulePending, userRecipient(target))
	failed := seedSchedule(t, s, admin, time.Now().Add(-time.Hour), ScheduleFailed, userRecipient(target))
	sent := seedSchedule(t, s, admin, time.Now().Add(-time.Hour), ScheduleSent, userRecipient(target))
	cancelled := seedSchedule(t, s, admin, time.Now().Add(-time.Hour), ScheduleCancelled, userRecipient(target))

	msg, err := d.RescheduleScheduledMessage(ctx, pending, admin, at)
	require.NoError(t, err)
	require.Equal(t, SchedulePending, msg.Status)
	require.WithinDuration(t, at, msg.ScheduleAt, time.Second)

	// FAILED is retryable through an explicit reschedule.
	msg, err = d.RescheduleScheduledMessage(ctx, failed, admin, at)
	require.NoError(t, err)
	require.Equal(t, SchedulePending, msg.Status)
	require.Nil(t, msg.Error)

	_, err = d.RescheduleScheduledMessage(ctx, sent, admin, at)
	require.True(t, IsValidation(err))

	_, err = d.RescheduleScheduledMessage(ctx, cancelled, admin, at)
	require.True(t, IsValidation(err))

	// A different admin cannot see the schedule at all.
	_, err = d.RescheduleScheduledMessage(ctx, pending, other, at)
	require.True(t, IsNotFound(err))
}
