package core

import (
	"context"
	"strings"
)

// Target is the discriminated union of delivery destinations. Exactly one
// concrete shape exists per variant, so an invalid combination (say, an email
// target with a group ID) cannot be constructed.
type Target interface{ target() }

type DirectUser struct{ UserID string }

// GroupMember attributes delivery to the group a user was reached through; a
// user in two groups yields two targets on purpose (distinct audit trails).
type GroupMember struct {
	UserID  string
	GroupID string
}

type EmailTarget struct {
	Email     string // normalized lowercase
	ContactID string // optional source contact
}

type LineTarget struct {
	LineUserID string
	ContactID  string
}

// Broadcast is the zero-recipient fallback used by webhook channels.
type Broadcast struct{}

func (DirectUser) target()  {}
func (GroupMember) target() {}
func (EmailTarget) target() {}
func (LineTarget) target()  {}
func (Broadcast) target()   {}

// EmailRecipient and LineRecipient are the caller-facing recipient inputs
// before normalization.
type EmailRecipient struct {
	Email     string `json:"email"`
	ContactID string `json:"contact_id,omitempty"`
}

type LineRecipient struct {
	LineUserID string `json:"line_user_id"`
	ContactID  string `json:"contact_id,omitempty"`
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ResolveTargets combines deduplicated direct users, group expansions, and
// normalized email/LINE recipients into a flat target list. Group membership
// is supplied by the caller so the combination step stays pure.
func ResolveTargets(
	userIDs, groupIDs []string,
	groupMembers map[string][]string,
	emails []EmailRecipient,
	lines []LineRecipient,
) []Target {
	var targets []Target

	for _, userID := range uniqueStrings(userIDs) {
		targets = append(targets, DirectUser{UserID: userID})
	}

	for _, groupID := range uniqueStrings(groupIDs) {
		for _, memberID := range uniqueStrings(groupMembers[groupID]) {
			targets = append(targets, GroupMember{UserID: memberID, GroupID: groupID})
		}
	}

	seenEmails := make(map[string]bool)
	for _, r := range emails {
		normalized := strings.ToLower(strings.TrimSpace(r.Email))
		if normalized == "" || seenEmails[normalized] {
			continue
		}
		seenEmails[normalized] = true
		targets = append(targets, EmailTarget{Email: normalized, ContactID: r.ContactID})
	}

	seenLine := make(map[string]bool)
	for _, r := range lines {
		id := strings.TrimSpace(r.LineUserID)
		if id == "" || seenLine[id] {
			continue
		}
		seenLine[id] = true
		targets = append(targets, LineTarget{LineUserID: id, ContactID: r.ContactID})
	}

	return targets
}

// ResolveScheduledTargets expands a scheduled message's recipient set. Unlike
// the manual path, users are deduplicated across the whole message: a user in
// a group AND addressed directly produces a single target, the direct one.
func ResolveScheduledTargets(ctx context.Context, store *Store, recipients []ScheduledRecipient) ([]Target, error) {
	var directIDs, groupIDs []string
	for _, r := range recipients {
		switch {
		case r.RecipientType == RecipientUser && r.UserID != nil:
			directIDs = append(directIDs, *r.UserID)
		case r.RecipientType == RecipientGroup && r.GroupID != nil:
			groupIDs = append(groupIDs, *r.GroupID)
		}
	}

	members, err := store.GroupMembers(ctx, uniqueStrings(groupIDs))
	if err != nil {
		return nil, err
	}

	var targets []Target
	seen := make(map[string]bool)
	for _, userID := range uniqueStrings(directIDs) {
		seen[userID] = true
		targets = append(targets, DirectUser{UserID: userID})
	}
	for _, groupID := range uniqueStrings(groupIDs) {
		for _, memberID := range uniqueStrings(members[groupID]) {
			if seen[memberID] {
				continue
			}
			seen[memberID] = true
			targets = append(targets, GroupMember{UserID: memberID, GroupID: groupID})
		}
	}
	return targets, nil
}
