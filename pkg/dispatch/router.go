package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes events of the kinds it declares.
type Handler interface {
	Kinds() []Kind
	HandleEvent(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler for a fixed set of kinds.
type HandlerFunc struct {
	Name    string
	Accepts []Kind
	Func    func(ctx context.Context, evt Event) error
}

func (hf *HandlerFunc) Kinds() []Kind { return hf.Accepts }

func (hf *HandlerFunc) HandleEvent(ctx context.Context, evt Event) error {
	return hf.Func(ctx, evt)
}

func (hf *HandlerFunc) String() string { return hf.Name }

// Router delivers each event to every handler whose declared kinds match,
// in registration order. A failing handler doesn't stop delivery to the
// rest; all failures are joined into the returned error.
type Router struct {
	log      zerolog.Logger
	lock     sync.RWMutex
	handlers []Handler
}

func NewRouter(log zerolog.Logger, handlers ...Handler) *Router {
	return &Router{
		log:      log.With().Str("component", "router").Logger(),
		handlers: handlers,
	}
}

func (r *Router) Register(handlers ...Handler) {
	r.lock.Lock()
	r.handlers = append(r.handlers, handlers...)
	r.lock.Unlock()
}

func (r *Router) Dispatch(ctx context.Context, evt Event) error {
	r.lock.RLock()
	handlers := slices.Clone(r.handlers)
	r.lock.RUnlock()

	kind := evt.Kind()
	var errs []error
	matched := 0
	for _, handler := range handlers {
		if !slices.Contains(handler.Kinds(), kind) {
			continue
		}
		matched++
		if err := r.safeHandle(ctx, handler, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", handlerName(handler), err))
		}
	}
	if matched == 0 {
		r.log.Trace().
			Stringer("kind", kind).
			Str("event_id", string(evt.Meta().ID)).
			Msg("No handler for event, dropping")
	}
	return errors.Join(errs...)
}

func (r *Router) safeHandle(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Any("panic", p).
				Str("stack", string(debug.Stack())).
				Str("handler", handlerName(handler)).
				Msg("Recovered panic in event handler")
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.HandleEvent(ctx, evt)
}

func handlerName(handler Handler) string {
	if s, ok := handler.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", handler)
}
