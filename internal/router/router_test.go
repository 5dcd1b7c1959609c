package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/metrics"
	"github.com/luciancaetano/livesock/internal/protocol"
)

type sent struct {
	sub     livesock.Route
	action  string
	value   any
	replyTo *int64
}

type fakeConn struct {
	mu   sync.Mutex
	sent []sent
}

func (c *fakeConn) ID() string { return "c1" }
func (c *fakeConn) RemoteIP() string { return "10.0.0.1" }
func (c *fakeConn) Identity() livesock.Identity { return livesock.Anonymous("d1") }
func (c *fakeConn) Context() context.Context { return context.Background() }
func (c *fakeConn) RTT() time.Duration { return 0 }

func (c *fakeConn) Send(_ context.Context, sub livesock.Route, action string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{sub: sub, action: action, value: value})
	return nil
}

func (c *fakeConn) Reply(_ context.Context, replyTo int64, sub livesock.Route, action string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{sub: sub, action: action, value: value, replyTo: &replyTo})
	return nil
}

func (c *fakeConn) Subscribe(context.Context, livesock.Topic) error { return nil }
func (c *fakeConn) Unsubscribe(context.Context, livesock.Route) error { return nil }
func (c *fakeConn) Close(context.Context, int, string) error { return nil }

type move struct {
	Game string `json:"id" validate:"required"`
	Move string `json:"move" validate:"required,max=8"`
}

func int64Ptr(v int64) *int64 { return &v }

func newRouter(t *testing.T) (*Router, *[]livesock.Request) {
	t.Helper()
	r := New(metrics.New(prometheus.NewRegistry(), nil), nil)
	var got []livesock.Request
	err := r.Handle(livesock.RouteGame, "submitmove", ShapeOf[move](),
		func(_ context.Context, _ livesock.Conn, req livesock.Request) error {
			got = append(got, req)
			return nil
		})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return r, &got
}

// TestDispatch tests routing outcomes for various messages
func TestDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          protocol.Inbound
		want        Outcome
		wantCode    string
		wantReplyTo *int64
		wantCalls   int
	}{
		{
			name:      "valid message",
			in:        protocol.Inbound{Route: "game", Action: "submitmove", Value: json.RawMessage(`{"id":"42","move":"e2e4"}`), ID: int64Ptr(3)},
			want:      Handled,
			wantCalls: 1,
		},
		{
			name:        "unknown route",
			in:          protocol.Inbound{Route: "bogus", Action: "x", ID: int64Ptr(7)},
			want:        UnknownRoute,
			wantCode:    livesock.CodeUnknownRoute,
			wantReplyTo: int64Ptr(7),
		},
		{
			name:     "unknown action",
			in:       protocol.Inbound{Route: "game", Action: "fly"},
			want:     UnknownAction,
			wantCode: livesock.CodeUnknownAction,
		},
		{
			name:        "missing required field",
			in:          protocol.Inbound{Route: "game", Action: "submitmove", Value: json.RawMessage(`{"id":"42"}`), ID: int64Ptr(9)},
			want:        Rejected,
			wantCode:    livesock.CodeParamsRejected,
			wantReplyTo: int64Ptr(9),
		},
		{
			name:     "unknown field",
			in:       protocol.Inbound{Route: "game", Action: "submitmove", Value: json.RawMessage(`{"id":"42","move":"e4","x":1}`)},
			want:     Rejected,
			wantCode: livesock.CodeParamsRejected,
		},
		{
			name:     "wrong type",
			in:       protocol.Inbound{Route: "game", Action: "submitmove", Value: json.RawMessage(`[1,2]`)},
			want:     Rejected,
			wantCode: livesock.CodeParamsRejected,
		},
		{
			name:     "absent value",
			in:       protocol.Inbound{Route: "game", Action: "submitmove"},
			want:     Rejected,
			wantCode: livesock.CodeParamsRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, calls := newRouter(t)
			conn := &fakeConn{}

			if got := r.Dispatch(context.Background(), conn, tt.in); got != tt.want {
				t.Errorf("Dispatch() = %v, want %v", got, tt.want)
			}
			if len(*calls) != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", len(*calls), tt.wantCalls)
			}

			if tt.wantCode == "" {
				if len(conn.sent) != 0 {
					t.Errorf("sent %v, want nothing", conn.sent)
				}
				return
			}
			if len(conn.sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(conn.sent))
			}
			msg := conn.sent[0]
			if msg.sub != livesock.RouteGeneral || msg.action != livesock.ActionError {
				t.Errorf("sent %s/%s, want general/error", msg.sub, msg.action)
			}
			payload, ok := msg.value.(protocol.ErrorPayload)
			if !ok || payload.Code != tt.wantCode {
				t.Errorf("error value = %v, want code %s", msg.value, tt.wantCode)
			}
			if (msg.replyTo == nil) != (tt.wantReplyTo == nil) || (msg.replyTo != nil && *msg.replyTo != *tt.wantReplyTo) {
				t.Errorf("replyto = %v, want %v", msg.replyTo, tt.wantReplyTo)
			}
		})
	}
}

// TestDispatchDecodedValue tests that the handler receives the shaped value
func TestDispatchDecodedValue(t *testing.T) {
	t.Parallel()

	r, calls := newRouter(t)
	in := protocol.Inbound{Route: "game", Action: "submitmove", Value: json.RawMessage(`{"id":"42","move":"e2e4"}`), ID: int64Ptr(3)}
	r.Dispatch(context.Background(), &fakeConn{}, in)

	if len(*calls) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(*calls))
	}
	req := (*calls)[0]
	m, ok := req.Value.(*move)
	if !ok {
		t.Fatalf("Value = %T, want *move", req.Value)
	}
	if m.Game != "42" || m.Move != "e2e4" {
		t.Errorf("Value = %+v", m)
	}
	if req.ID == nil || *req.ID != 3 || req.Route != livesock.RouteGame {
		t.Errorf("Request = %+v", req)
	}
}

// TestDispatchRecoversFaults tests that handler errors and panics keep the connection usable
func TestDispatchRecoversFaults(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	_ = r.Handle(livesock.RouteInvites, "boom", NoValue(), func(context.Context, livesock.Conn, livesock.Request) error {
		panic("boom")
	})
	_ = r.Handle(livesock.RouteInvites, "fail", NoValue(), func(context.Context, livesock.Conn, livesock.Request) error {
		return errors.New("fail")
	})

	conn := &fakeConn{}
	for _, action := range []string{"boom", "fail"} {
		got := r.Dispatch(context.Background(), conn, protocol.Inbound{Route: "invites", Action: action})
		if got != Faulted {
			t.Errorf("Dispatch(%s) = %v, want %v", action, got, Faulted)
		}
	}
	if len(conn.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(conn.sent))
	}
	for _, msg := range conn.sent {
		if payload, _ := msg.value.(protocol.ErrorPayload); payload.Code != livesock.CodeRequestFailed {
			t.Errorf("error code = %s, want %s", payload.Code, livesock.CodeRequestFailed)
		}
	}
}

// TestHandleRejectsBadRegistrations tests registration errors
func TestHandleRejectsBadRegistrations(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	noop := func(context.Context, livesock.Conn, livesock.Request) error { return nil }

	if err := r.Handle("bogus", "x", nil, noop); err == nil {
		t.Error("Handle() on unknown route succeeded")
	}
	if err := r.Handle(livesock.RouteGeneral, livesock.ActionEcho, nil, noop); err == nil {
		t.Error("Handle() on echo succeeded")
	}
	if err := r.Handle(livesock.RouteGame, "x", nil, noop); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := r.Handle(livesock.RouteGame, "x", nil, noop); err == nil {
		t.Error("duplicate Handle() succeeded")
	}
	if err := r.Handle(livesock.RouteGame, "", nil, noop); err == nil {
		t.Error("Handle() with empty action succeeded")
	}
}

// TestResolve tests the tagged match variants
func TestResolve(t *testing.T) {
	t.Parallel()

	r, _ := newRouter(t)
	tests := []struct {
		route, action string
		want          MatchKind
	}{
		{"game", "submitmove", MatchFound},
		{"game", "nope", MatchUnknownAction},
		{"general", "anything", MatchUnknownAction},
		{"", "submitmove", MatchUnknownRoute},
		{"GAME", "submitmove", MatchUnknownRoute},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.route, tt.action).Kind; got != tt.want {
			t.Errorf("Resolve(%q, %q) = %v, want %v", tt.route, tt.action, got, tt.want)
		}
	}
}

// TestNoValue tests the empty shape
func TestNoValue(t *testing.T) {
	t.Parallel()

	if _, err := NoValue().Decode(nil); err != nil {
		t.Errorf("Decode(nil) error = %v", err)
	}
	if _, err := NoValue().Decode(json.RawMessage(`null`)); err != nil {
		t.Errorf("Decode(null) error = %v", err)
	}
	if _, err := NoValue().Decode(json.RawMessage(`{}`)); !errors.Is(err, ErrValueNotAllowed) {
		t.Errorf("Decode({}) error = %v, want %v", err, ErrValueNotAllowed)
	}
}
