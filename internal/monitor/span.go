package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
)

type spanKey struct{}

// ParentID returns the id of the innermost span carried by ctx, or "".
func ParentID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(spanKey{}).(string)
	return id
}

// ContextWithParent makes id the parent of spans started from the returned
// context. It is used when the parent was begun outside this process.
func ContextWithParent(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, spanKey{}, id)
}

// Span is a handle on one live activity. It ends the activity exactly once,
// no matter how many of End or Finish are called.
type Span struct {
	store     *Store
	id        string
	startedAt time.Time

	mu    sync.Mutex
	attrs domain.Attributes
	once  sync.Once
}

// StartSpan begins an activity whose parent is the span carried by ctx, if
// any. The returned context carries the new span for nested calls. When the
// store is disabled the span is inert.
func (s *Store) StartSpan(ctx context.Context, kind domain.Kind, label string, attrs domain.Attributes) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := ParentID(ctx)
	id := s.Begin(kind, label, attrs, parent)
	span := &Span{store: s, id: id, startedAt: s.now(), attrs: domain.Attributes{}}
	if id == "" {
		return ctx, span
	}
	if parent != "" {
		s.AddChild(parent, id)
	}
	return ContextWithParent(ctx, id), span
}

func (sp *Span) ID() string { return sp.id }

// Set records an attribute that is merged into the activity when it ends.
func (sp *Span) Set(key string, value any) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.attrs[key] = domain.ValueOf(value)
}

func (sp *Span) Elapsed() time.Duration {
	return sp.store.now().Sub(sp.startedAt)
}

// End finishes the activity with status, merging extra over attributes
// recorded with Set. Only the first call has an effect.
func (sp *Span) End(status domain.Status, extra domain.Attributes) {
	sp.once.Do(func() {
		sp.mu.Lock()
		final := sp.attrs.Clone()
		sp.mu.Unlock()
		final.Merge(extra)
		sp.store.End(sp.id, status, final)
	})
}

// Finish is meant to be deferred. It ends the span as failed when *errp is
// non-nil or the surrounding function panics, and as completed otherwise.
// A panic is re-raised after the span is ended.
//
//	ctx, span := store.StartSpan(ctx, domain.KindWorkflowStep, "plan", nil)
//	defer span.Finish(&err)
func (sp *Span) Finish(errp *error) {
	if recovered := recover(); recovered != nil {
		sp.End(domain.StatusFailed, domain.Attributes{
			"error": domain.String(fmt.Sprint(recovered)),
			"panic": domain.Bool(true),
		})
		panic(recovered)
	}
	if errp != nil && *errp != nil {
		sp.End(domain.StatusFailed, errorAttributes(*errp))
		return
	}
	sp.End(domain.StatusCompleted, nil)
}

func errorAttributes(err error) domain.Attributes {
	attrs := domain.Attributes{"error": domain.String(err.Error())}
	if appErr, ok := domain.AsAppError(err); ok {
		attrs["error_code"] = domain.String(string(appErr.Code))
	}
	return attrs
}
