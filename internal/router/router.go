// Package router maps inbound (route, action) pairs to handlers after
// validating the value against the action's shape.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/metrics"
	"github.com/luciancaetano/livesock/internal/protocol"
)

// MatchKind tags the result of Resolve.
type MatchKind int

const (
	MatchFound MatchKind = iota
	MatchUnknownRoute
	MatchUnknownAction
)

// Outcome is what Dispatch did with a message.
type Outcome int

const (
	Handled Outcome = iota
	UnknownRoute
	UnknownAction
	Rejected
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case UnknownRoute:
		return "unknown_route"
	case UnknownAction:
		return "unknown_action"
	case Rejected:
		return "rejected"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type entry struct {
	shape   livesock.Shape
	handler livesock.HandlerFunc
}

// Match is the resolved target of a message.
type Match struct {
	Kind   MatchKind
	Route  livesock.Route
	Action string
	entry  entry
}

type Router struct {
	mu    sync.RWMutex
	table map[livesock.Route]map[string]entry
	rec   *metrics.Recorder
	log   *zap.Logger
}

func New(rec *metrics.Recorder, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.New(nil, log)
	}
	table := make(map[livesock.Route]map[string]entry)
	for _, route := range livesock.Routes() {
		table[route] = make(map[string]entry)
	}
	return &Router{table: table, rec: rec, log: log}
}

// Handle registers handler for action on route. Registering an echo, an
// unknown route or a duplicate action is an error.
func (r *Router) Handle(route livesock.Route, action string, shape livesock.Shape, handler livesock.HandlerFunc) error {
	if action == "" || handler == nil {
		return fmt.Errorf("handle %s/%q: action and handler are required", route, action)
	}
	if route == livesock.RouteGeneral && action == livesock.ActionEcho {
		return fmt.Errorf("handle %s/%s: reserved", route, action)
	}
	if shape == nil {
		shape = NoValue()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	actions, ok := r.table[route]
	if !ok {
		return fmt.Errorf("handle %s/%s: %s", route, action, livesock.ErrUnknownRoute)
	}
	if _, dup := actions[action]; dup {
		return fmt.Errorf("handle %s/%s: already registered", route, action)
	}
	actions[action] = entry{shape: shape, handler: handler}
	return nil
}

// Resolve looks up the target of a message.
func (r *Router) Resolve(route, action string) Match {
	rt, ok := livesock.ParseRoute(route)
	if !ok {
		return Match{Kind: MatchUnknownRoute, Action: action}
	}
	r.mu.RLock()
	e, ok := r.table[rt][action]
	r.mu.RUnlock()
	if !ok {
		return Match{Kind: MatchUnknownAction, Route: rt, Action: action}
	}
	return Match{Kind: MatchFound, Route: rt, Action: action, entry: e}
}

// Dispatch validates and runs the handler for in. Every failure is reported
// to the sender as an error envelope on the general route and the connection
// stays open.
func (r *Router) Dispatch(ctx context.Context, conn livesock.Conn, in protocol.Inbound) Outcome {
	m := r.Resolve(in.Route, in.Action)
	switch m.Kind {
	case MatchUnknownRoute:
		r.rec.UnknownRoute("route", conn.ID(), conn.RemoteIP(), in.Route, in.Action)
		r.fail(ctx, conn, in, livesock.CodeUnknownRoute, livesock.ErrUnknownRoute)
		return UnknownRoute
	case MatchUnknownAction:
		r.rec.UnknownRoute("action", conn.ID(), conn.RemoteIP(), in.Route, in.Action)
		r.fail(ctx, conn, in, livesock.CodeUnknownAction, livesock.ErrUnknownAction)
		return UnknownAction
	}

	value, err := m.entry.shape.Decode(in.Value)
	if err != nil {
		r.rec.RejectedPayload(conn.ID(), conn.RemoteIP(), in.Route, in.Action, in.Value, err)
		r.fail(ctx, conn, in, livesock.CodeParamsRejected, livesock.ErrParamsRejected)
		return Rejected
	}

	req := livesock.Request{
		Route:  m.Route,
		Action: m.Action,
		ID:     in.ID,
		Value:  value,
		Raw:    in.Value,
	}
	if stack, err := invoke(ctx, conn, m.entry.handler, req); err != nil {
		r.rec.HandlerFault(conn.ID(), in.Route, in.Action, err, stack)
		r.fail(ctx, conn, in, livesock.CodeRequestFailed, livesock.ErrRequestFailed)
		return Faulted
	}
	return Handled
}

func invoke(ctx context.Context, conn livesock.Conn, h livesock.HandlerFunc, req livesock.Request) (stack []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack = debug.Stack()
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return nil, h(ctx, conn, req)
}

func (r *Router) fail(ctx context.Context, conn livesock.Conn, in protocol.Inbound, code, message string) {
	value := protocol.ErrorPayload{Code: code, Message: message}
	var err error
	if in.ID != nil {
		err = conn.Reply(ctx, *in.ID, livesock.RouteGeneral, livesock.ActionError, value)
	} else {
		err = conn.Send(ctx, livesock.RouteGeneral, livesock.ActionError, value)
	}
	if err != nil {
		r.log.Debug("error reply not sent", zap.String("conn", conn.ID()), zap.Error(err))
	}
}
