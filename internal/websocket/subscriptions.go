package websocket

import (
	"context"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/router"
)

// gameRef names a match in game/subscribe.
type gameRef struct {
	ID string `json:"id" validate:"required,max=64"`
}

// registerSubscriptionHandlers wires the subscribe and unsubscribe actions of
// the subscribable routes. Confirmations carry the topic as their value.
func (s *Server) registerSubscriptionHandlers() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(s.router.Handle(livesock.RouteInvites, livesock.ActionSubscribe, router.NoValue(),
		func(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
			return subscribe(ctx, conn, req, livesock.InvitesTopic())
		}))
	must(s.router.Handle(livesock.RouteInvites, livesock.ActionUnsubscribe, router.NoValue(), unsubscribe))

	must(s.router.Handle(livesock.RouteGame, livesock.ActionSubscribe, router.ShapeOf[gameRef](),
		func(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
			ref := req.Value.(*gameRef)
			return subscribe(ctx, conn, req, livesock.GameTopic(ref.ID))
		}))
	must(s.router.Handle(livesock.RouteGame, livesock.ActionUnsubscribe, router.NoValue(), unsubscribe))
}

func subscribe(ctx context.Context, conn livesock.Conn, req livesock.Request, topic livesock.Topic) error {
	if err := conn.Subscribe(ctx, topic); err != nil {
		return err
	}
	return confirm(ctx, conn, req, livesock.ActionSubscribed, topic.String())
}

func unsubscribe(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	family := req.Route
	if err := conn.Unsubscribe(ctx, family); err != nil {
		return err
	}
	return confirm(ctx, conn, req, livesock.ActionUnsubscribed, string(family))
}

func confirm(ctx context.Context, conn livesock.Conn, req livesock.Request, action, value string) error {
	sub := req.Route
	if req.ID != nil {
		return conn.Reply(ctx, *req.ID, sub, action, value)
	}
	return conn.Send(ctx, sub, action, value)
}
