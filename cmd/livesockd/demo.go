package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/router"
)

// Action names served by the demo domain.
const (
	ActionCreate     = "create"
	ActionCreated    = "created"
	ActionRemoved    = "removed"
	ActionList       = "list"
	ActionSubmitMove = "submitmove"
	ActionMove       = "move"
)

type Invite struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	From      string    `json:"from"`
	CreatedAt time.Time `json:"createdAt"`

	conn string
}

type Move struct {
	Seq  int64  `json:"seq"`
	Move string `json:"move"`
	By   string `json:"by"`
}

type createInvite struct {
	Mode string `json:"mode" validate:"required,oneof=blitz rapid classical"`
}

type submitMove struct {
	ID   string `json:"id" validate:"required,max=64"`
	Move string `json:"move" validate:"required,max=16"`
}

type resyncRequest struct {
	ID      string `json:"id" validate:"required,max=64"`
	LastSeq int64  `json:"lastSeq" validate:"gte=0"`
}

// ResyncReply completes a resync. Full is set when Moves is the whole match
// rather than the moves after the requested sequence.
type ResyncReply struct {
	ID    string `json:"id"`
	Moves []Move `json:"moves"`
	Full  bool   `json:"full"`
}

type broadcaster interface {
	Broadcast(ctx context.Context, topic livesock.Topic, action string, value any) (int, error)
}

// demo is an in-memory invite list and move log.
type demo struct {
	log *zap.Logger
	out broadcaster

	mu      sync.Mutex
	invites map[string]Invite
	games   map[string][]Move
}

func newDemo(log *zap.Logger) *demo {
	return &demo{
		log:     log,
		invites: make(map[string]Invite),
		games:   make(map[string][]Move),
	}
}

type registrar interface {
	broadcaster
	Handle(route livesock.Route, action string, shape livesock.Shape, handler livesock.HandlerFunc) error
}

func (d *demo) register(s registrar) error {
	d.out = s
	handlers := []struct {
		route   livesock.Route
		action  string
		shape   livesock.Shape
		handler livesock.HandlerFunc
	}{
		{livesock.RouteInvites, ActionCreate, router.ShapeOf[createInvite](), d.createInvite},
		{livesock.RouteInvites, ActionList, router.NoValue(), d.listInvites},
		{livesock.RouteGame, ActionSubmitMove, router.ShapeOf[submitMove](), d.submitMove},
		{livesock.RouteGame, livesock.ActionResync, router.ShapeOf[resyncRequest](), d.resync},
	}
	for _, h := range handlers {
		if err := s.Handle(h.route, h.action, h.shape, h.handler); err != nil {
			return err
		}
	}
	return nil
}

func (d *demo) createInvite(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	in := req.Value.(*createInvite)
	invite := Invite{
		ID:        uuid.NewString(),
		Mode:      in.Mode,
		From:      conn.Identity().String(),
		CreatedAt: time.Now().UTC(),
		conn:      conn.ID(),
	}

	d.mu.Lock()
	d.invites[invite.ID] = invite
	d.mu.Unlock()

	_, err := d.out.Broadcast(ctx, livesock.InvitesTopic(), ActionCreated, invite)
	return err
}

func (d *demo) listInvites(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	d.mu.Lock()
	list := make([]Invite, 0, len(d.invites))
	for _, inv := range d.invites {
		list = append(list, inv)
	}
	d.mu.Unlock()

	if req.ID != nil {
		return conn.Reply(ctx, *req.ID, livesock.RouteInvites, ActionList, list)
	}
	return conn.Send(ctx, livesock.RouteInvites, ActionList, list)
}

func (d *demo) submitMove(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	in := req.Value.(*submitMove)

	d.mu.Lock()
	moves := d.games[in.ID]
	mv := Move{Seq: int64(len(moves)) + 1, Move: in.Move, By: conn.Identity().String()}
	d.games[in.ID] = append(moves, mv)
	d.mu.Unlock()

	_, err := d.out.Broadcast(ctx, livesock.GameTopic(in.ID), ActionMove, mv)
	return err
}

// resync answers with the moves after LastSeq, or the whole match when the
// cursor is ahead of the log.
func (d *demo) resync(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	in := req.Value.(*resyncRequest)

	d.mu.Lock()
	moves := d.games[in.ID]
	reply := ResyncReply{ID: in.ID}
	if in.LastSeq > int64(len(moves)) {
		reply.Full = true
		reply.Moves = append([]Move{}, moves...)
	} else {
		reply.Moves = append([]Move{}, moves[in.LastSeq:]...)
	}
	d.mu.Unlock()

	if req.ID != nil {
		return conn.Reply(ctx, *req.ID, livesock.RouteGame, livesock.ActionResync, reply)
	}
	return conn.Send(ctx, livesock.RouteGame, livesock.ActionResync, reply)
}

// disconnected withdraws the invites a closed connection created.
func (d *demo) disconnected(conn livesock.Conn, code int, reason string) {
	d.mu.Lock()
	var removed []Invite
	for id, inv := range d.invites {
		if inv.conn == conn.ID() {
			removed = append(removed, inv)
			delete(d.invites, id)
		}
	}
	d.mu.Unlock()

	d.log.Debug("connection left",
		zap.String("conn", conn.ID()),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Int("invites_removed", len(removed)),
	)
	if d.out == nil {
		return
	}
	for _, inv := range removed {
		if _, err := d.out.Broadcast(context.Background(), livesock.InvitesTopic(), ActionRemoved, inv); err != nil {
			d.log.Warn("invite removal not broadcast", zap.String("invite", inv.ID), zap.Error(err))
		}
	}
}
