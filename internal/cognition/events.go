package cognition

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/llm"
	"github.com/nvandessel/reverie/internal/world"
)

// EventSpec describes a public event to publish.
type EventSpec struct {
	Description string   `json:"description"`
	AccessList  []string `json:"access_list"`
	Policy      string   `json:"policy,omitempty"`
	Websearch   string   `json:"websearch,omitempty"`
}

// ParseAccessList splits a comma separated list of persona names.
func ParseAccessList(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// PublishEvent opens a public event whose first post is the event itself,
// summarised as a triple. It returns the event id.
func PublishEvent(ctx context.Context, env *Env, spec EventSpec, now time.Time) (int, error) {
	if env.World == nil || env.World.Feed == nil {
		return 0, errors.New("publishing event: simulation has no event feed")
	}
	desc := strings.TrimSpace(spec.Description)
	if desc == "" {
		return 0, errors.New("publishing event: empty description")
	}
	tr, err := eventTripleNewFn.Call(ctx, env.Invoker, llm.Args{"name": world.PublicAuthor, "action": desc})
	if err != nil {
		return 0, err
	}
	opening := world.Post{
		Author:      world.PublicAuthor,
		Subject:     tr.Subject,
		Predicate:   tr.Predicate,
		Object:      tr.Object,
		Description: desc,
		Created:     now,
	}
	id := env.World.Feed.Publish(desc, opening, spec.AccessList, spec.Policy, spec.Websearch)
	env.logger().Debug("published event", "event", id, "access", spec.AccessList, "policy", spec.Policy != "", "websearch", spec.Websearch != "")
	return id, nil
}
