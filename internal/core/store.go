package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

// ---- collaborator tables (read side for the resolver, write side for seeding) ----

func (s *Store) CreateUser(ctx context.Context, username, name, email, lineUserID string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO users(username, name, email, line_user_id)
		VALUES($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''))
		RETURNING id
	`, username, name, email, lineUserID).Scan(&id)
	return id, err
}

func (s *Store) CreateGroup(ctx context.Context, name string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `INSERT INTO user_groups(name) VALUES($1) RETURNING id`, name).Scan(&id)
	return id, err
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO user_group_members(group_id, user_id)
		VALUES($1,$2) ON CONFLICT DO NOTHING
	`, groupID, userID)
	return err
}

func (s *Store) CreateIntegration(ctx context.Context, in Integration) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO user_integrations(user_id, type, is_connected, credentials, config)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id
	`, in.UserID, in.Type, in.IsConnected, in.Credentials, in.Config).Scan(&id)
	return id, err
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	var in Integration
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, type, is_connected, credentials, config
		FROM user_integrations WHERE id=$1
	`, id).Scan(&in.ID, &in.UserID, &in.Type, &in.IsConnected, &in.Credentials, &in.Config)
	if err == pgx.ErrNoRows {
		return nil, NewNotFoundError("integration", id)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// GroupMembers returns current member user IDs per group. Unknown group IDs
// simply do not appear in the result.
func (s *Store) GroupMembers(ctx context.Context, groupIDs []string) (map[string][]string, error) {
	members := make(map[string][]string)
	if len(groupIDs) == 0 {
		return members, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT group_id, user_id FROM user_group_members WHERE group_id = ANY($1)
	`, groupIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var groupID, userID string
		if err := rows.Scan(&groupID, &userID); err != nil {
			return nil, err
		}
		members[groupID] = append(members[groupID], userID)
	}
	return members, rows.Err()
}

// LineUserIDs maps user IDs to their linked LINE account IDs; users without
// one are omitted.
func (s *Store) LineUserIDs(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, line_user_id FROM users
		WHERE id = ANY($1) AND line_user_id IS NOT NULL
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, lineID string
		if err := rows.Scan(&id, &lineID); err != nil {
			return nil, err
		}
		out[id] = lineID
	}
	return out, rows.Err()
}

// UserEmail is the fallback lookup for email delivery when a log row carries
// no address of its own. Returns empty strings when the user has no email.
func (s *Store) UserEmail(ctx context.Context, userID string) (email, name string, err error) {
	var e, n *string
	err = s.DB.QueryRow(ctx, `SELECT email, COALESCE(name, username) FROM users WHERE id=$1`, userID).Scan(&e, &n)
	if err == pgx.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if e != nil {
		email = *e
	}
	if n != nil {
		name = *n
	}
	return email, name, nil
}

// ---- message logs ----

const messageLogColumns = `
	id, sender_id, recipient_user_id, recipient_group_id, recipient_email,
	email_contact_id, line_contact_id, line_recipient_id,
	channel, direction, source, title, content,
	integration_id, scheduled_message_id, status, error, created_at, sent_at`

func scanMessageLog(row pgx.Row, m *MessageLog) error {
	return row.Scan(
		&m.ID, &m.SenderID, &m.RecipientUserID, &m.RecipientGroupID, &m.RecipientEmail,
		&m.EmailContactID, &m.LineContactID, &m.LineRecipientID,
		&m.Channel, &m.Direction, &m.Source, &m.Title, &m.Content,
		&m.IntegrationID, &m.ScheduledMessageID, &m.Status, &m.Error, &m.CreatedAt, &m.SentAt,
	)
}

func insertMessageLogTx(ctx context.Context, tx pgx.Tx, m *MessageLog) error {
	return tx.QueryRow(ctx, `
		INSERT INTO message_logs(
			sender_id, recipient_user_id, recipient_group_id, recipient_email,
			email_contact_id, line_contact_id, line_recipient_id,
			channel, direction, source, title, content,
			integration_id, scheduled_message_id, status, sent_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id, created_at
	`,
		m.SenderID, m.RecipientUserID, m.RecipientGroupID, m.RecipientEmail,
		m.EmailContactID, m.LineContactID, m.LineRecipientID,
		m.Channel, m.Direction, m.Source, m.Title, m.Content,
		m.IntegrationID, m.ScheduledMessageID, m.Status, m.SentAt,
	).Scan(&m.ID, &m.CreatedAt)
}

func (s *Store) InsertMessageLog(ctx context.Context, m *MessageLog) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := insertMessageLogTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertMessageLogs creates the whole batch atomically; IDs and timestamps are
// filled in on the passed rows.
func (s *Store) InsertMessageLogs(ctx context.Context, logs []*MessageLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, m := range logs {
		if err := insertMessageLogTx(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// MarkLogSent transitions a PENDING row to SENT. Terminal rows are left alone.
func (s *Store) MarkLogSent(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_logs SET status='SENT', sent_at=now(), error=NULL
		WHERE id=$1 AND status='PENDING'
	`, id)
	return err
}

// MarkLogFailed transitions a PENDING row to FAILED with bounded error text.
func (s *Store) MarkLogFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_logs SET status='FAILED', error=$2
		WHERE id=$1 AND status='PENDING'
	`, id, TruncateError(errMsg))
	return err
}

func (s *Store) GetMessageLog(ctx context.Context, id string) (*MessageLog, error) {
	var m MessageLog
	err := scanMessageLog(s.DB.QueryRow(ctx, `SELECT`+messageLogColumns+` FROM message_logs WHERE id=$1`, id), &m)
	if err == pgx.ErrNoRows {
		return nil, NewNotFoundError("message log", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type LogFilter struct {
	SenderID  *string
	Status    *MessageStatus
	Direction *MessageDirection
	Source    *MessageSource
	Limit     int
	Offset    int
}

func (s *Store) QueryMessageLogs(ctx context.Context, f LogFilter) ([]MessageLog, error) {
	q := `SELECT` + messageLogColumns + ` FROM message_logs WHERE 1=1`
	args := []any{}
	idx := 1
	if f.SenderID != nil {
		q += fmt.Sprintf(" AND sender_id=$%d", idx)
		args = append(args, *f.SenderID)
		idx++
	}
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.Direction != nil {
		q += fmt.Sprintf(" AND direction=$%d", idx)
		args = append(args, *f.Direction)
		idx++
	}
	if f.Source != nil {
		q += fmt.Sprintf(" AND source=$%d", idx)
		args = append(args, *f.Source)
		idx++
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageLog
	for rows.Next() {
		var m MessageLog
		if err := scanMessageLog(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertAttachments fans attachment metadata out to every created log row.
func (s *Store) InsertAttachments(ctx context.Context, logIDs []string, atts []Attachment) error {
	if len(logIDs) == 0 || len(atts) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, logID := range logIDs {
		for _, a := range atts {
			_, err := tx.Exec(ctx, `
				INSERT INTO message_attachments(message_id, filename, original_name, mime_type, size, url)
				VALUES($1,$2,NULLIF($3,''),NULLIF($4,''),$5,NULLIF($6,''))
			`, logID, a.Filename, a.OriginalName, a.MimeType, a.Size, a.URL)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

// ---- scheduled messages ----

func (s *Store) InsertScheduledMessage(ctx context.Context, m *ScheduledMessage) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO scheduled_messages(admin_id, title, content, schedule_at, status)
		VALUES($1,$2,$3,$4,'PENDING')
		RETURNING id, status, created_at
	`, m.AdminID, m.Title, m.Content, m.ScheduleAt).Scan(&m.ID, &m.Status, &m.CreatedAt)
	if err != nil {
		return err
	}

	for i := range m.Recipients {
		r := &m.Recipients[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO scheduled_recipients(scheduled_message_id, recipient_type, user_id, group_id)
			VALUES($1,$2,$3,$4)
			RETURNING id
		`, m.ID, r.RecipientType, r.UserID, r.GroupID).Scan(&r.ID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) scheduledRecipients(ctx context.Context, messageID string) ([]ScheduledRecipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, recipient_type, user_id, group_id
		FROM scheduled_recipients WHERE scheduled_message_id=$1
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledRecipient
	for rows.Next() {
		var r ScheduledRecipient
		if err := rows.Scan(&r.ID, &r.RecipientType, &r.UserID, &r.GroupID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const scheduledColumns = `id, admin_id, title, content, schedule_at, status, last_processed_at, error, created_at`

func scanScheduled(row pgx.Row, m *ScheduledMessage) error {
	return row.Scan(&m.ID, &m.AdminID, &m.Title, &m.Content, &m.ScheduleAt,
		&m.Status, &m.LastProcessedAt, &m.Error, &m.CreatedAt)
}

func (s *Store) GetScheduledMessage(ctx context.Context, id string) (*ScheduledMessage, error) {
	var m ScheduledMessage
	err := scanScheduled(s.DB.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id=$1`, id), &m)
	if err == pgx.ErrNoRows {
		return nil, NewNotFoundError("scheduled message", id)
	}
	if err != nil {
		return nil, err
	}
	recipients, err := s.scheduledRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Recipients = recipients
	return &m, nil
}

func (s *Store) ListScheduledMessages(ctx context.Context, adminID string, status *ScheduleStatus, limit int) ([]ScheduledMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE admin_id=$1`
	args := []any{adminID}
	if status != nil {
		q += ` AND status=$2`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY schedule_at DESC LIMIT %d`, limit)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		if err := scanScheduled(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		recipients, err := s.scheduledRecipients(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Recipients = recipients
	}
	return out, nil
}

// ClaimDueScheduledMessages picks up to limit due messages (earliest first) and
// stamps them PROCESSING inside the claim transaction, so a crash mid-run
// leaves a visible stuck row that the next poll picks up again. SKIP LOCKED
// keeps an accidental second poller from double-claiming.
func (s *Store) ClaimDueScheduledMessages(ctx context.Context, limit int) ([]ScheduledMessage, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM scheduled_messages
		WHERE status IN ('PENDING','PROCESSING') AND schedule_at <= now()
		ORDER BY schedule_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE scheduled_messages SET status='PROCESSING', last_processed_at=now()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	claimed := make([]ScheduledMessage, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetScheduledMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *Store) MarkScheduleSent(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='SENT', last_processed_at=now(), error=NULL
		WHERE id=$1
	`, id)
	return err
}

func (s *Store) MarkScheduleFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='FAILED', last_processed_at=now(), error=$2
		WHERE id=$1
	`, id, TruncateError(errMsg))
	return err
}

func (s *Store) CancelSchedule(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='CANCELLED', last_processed_at=now()
		WHERE id=$1
	`, id)
	return err
}

// RescheduleSchedule moves a message back to PENDING at a new time, clearing
// processing bookkeeping. Status guards live in the dispatcher.
func (s *Store) RescheduleSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages
		SET schedule_at=$2, status='PENDING', last_processed_at=NULL, error=NULL
		WHERE id=$1
	`, id, at)
	return err
}

// ---- activity log ----

func (s *Store) InsertActivity(ctx context.Context, a Activity) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO activity_logs(type, actor_id, entity_id, entity_type, metadata)
		VALUES($1,$2,$3,NULLIF($4,''),$5)
	`, a.Type, a.ActorID, a.EntityID, a.EntityType, a.Metadata)
	return err
}

func (s *Store) CountActivities(ctx context.Context, t ActivityType) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM activity_logs WHERE type=$1`, t).Scan(&n)
	return n, err
}
