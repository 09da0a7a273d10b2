package core

import (
	"context"
	"log"
)

// ActivityRecorder persists audit entries on a best-effort basis. Failures are
// logged and swallowed so an audit gap never blocks a dispatch.
type ActivityRecorder struct {
	Store *Store
}

func (r *ActivityRecorder) Record(ctx context.Context, a Activity) {
	if r == nil || r.Store == nil {
		return
	}
	if err := r.Store.InsertActivity(ctx, a); err != nil {
		log.Printf("record activity %s: %v", a.Type, err)
	}
}
