package lifecycle

import (
	"context"
	"fmt"
)

// State is a step of one model's load, use and release cycle.
type State int

const (
	Idle State = iota
	Loading
	Loaded
	Predicting
	Explaining
	Released
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Predicting:
		return "predicting"
	case Explaining:
		return "explaining"
	case Released:
		return "released"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so lifecycle events can be traced back to a request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
