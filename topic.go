package livesock

import (
	"fmt"
	"strings"
)

// Route names a message family. The set is closed.
type Route string

const (
	RouteGeneral Route = "general"
	RouteInvites Route = "invites"
	RouteGame    Route = "game"
)

// Routes returns every known route.
func Routes() []Route {
	return []Route{RouteGeneral, RouteInvites, RouteGame}
}

// ParseRoute returns the route named s, or false if s is not a known route.
func ParseRoute(s string) (Route, bool) {
	switch Route(s) {
	case RouteGeneral, RouteInvites, RouteGame:
		return Route(s), true
	}
	return "", false
}

// Topic is a subscribable stream. A connection holds at most one topic per
// family.
type Topic struct {
	Family Route
	Param  string
}

// InvitesTopic is the public invite list.
func InvitesTopic() Topic {
	return Topic{Family: RouteInvites}
}

// GameTopic is the stream of one match.
func GameTopic(id string) Topic {
	return Topic{Family: RouteGame, Param: id}
}

func (t Topic) String() string {
	if t.Param == "" {
		return string(t.Family)
	}
	return string(t.Family) + ":" + t.Param
}

// Validate reports whether t names a subscribable topic.
func (t Topic) Validate() error {
	switch t.Family {
	case RouteInvites:
		if t.Param != "" {
			return fmt.Errorf("topic %s: invites takes no parameter", t)
		}
	case RouteGame:
		if t.Param == "" {
			return fmt.Errorf("topic %s: game requires a match id", t)
		}
	default:
		return fmt.Errorf("topic %s: family is not subscribable", t)
	}
	return nil
}

// ParseTopic parses the string form produced by Topic.String.
func ParseTopic(s string) (Topic, error) {
	family, param, _ := strings.Cut(s, ":")
	route, ok := ParseRoute(family)
	if !ok {
		return Topic{}, fmt.Errorf("topic %q: unknown family", s)
	}
	t := Topic{Family: route, Param: param}
	if err := t.Validate(); err != nil {
		return Topic{}, err
	}
	return t, nil
}
