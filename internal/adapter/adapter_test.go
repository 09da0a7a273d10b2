package adapter

import (
	"context"
	"sync"
)

// fakeMarker records row finalizations without a database.
type fakeMarker struct {
	mu     sync.Mutex
	sent   []string
	failed map[string]string
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{failed: make(map[string]string)}
}

func (f *fakeMarker) MarkLogSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeMarker) MarkLogFailed(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

// fakeEmailStore adds the account-email fallback on top of row finalization.
type fakeEmailStore struct {
	*fakeMarker
	emails map[string]string // userID -> email
}

func newFakeEmailStore() *fakeEmailStore {
	return &fakeEmailStore{fakeMarker: newFakeMarker(), emails: make(map[string]string)}
}

func (f *fakeEmailStore) UserEmail(_ context.Context, userID string) (string, string, error) {
	return f.emails[userID], "", nil
}
