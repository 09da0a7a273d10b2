package core

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// maxErrorLen bounds persisted error text on log rows and schedules.
const maxErrorLen = 500

// ValidationError rejects bad input: empty content, no recipients,
// a schedule time that is not in the future. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError covers lookups of integrations and scheduled messages that
// do not exist or are not owned by the actor.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// DisabledError is raised when the selected integration exists but is not
// connected.
type DisabledError struct {
	IntegrationID string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("integration %s is currently disabled", e.IntegrationID)
}

// ConfigurationError means an integration is missing a credential or config
// key its adapter requires. Raised before any log row is created, so a
// misconfigured integration leaves no rows behind.
type ConfigurationError struct {
	Integration IntegrationType
	Key         string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s integration missing %s", e.Integration, e.Key)
}

// DeliveryError is a per-recipient transport failure. It is recorded on the
// log row and never propagates out of an adapter.
type DeliveryError struct {
	Msg string
}

func (e *DeliveryError) Error() string { return e.Msg }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsDisabled(err error) bool {
	var d *DisabledError
	return errors.As(err, &d)
}

func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// TruncateError bounds error text before it is persisted. The cut never splits
// a multibyte rune; Postgres rejects invalid UTF-8 in text columns, and a
// failed status update would strand the row in PENDING.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
