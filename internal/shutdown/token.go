package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lightsout/internal/occurrence"
	"lightsout/internal/rule"
	"lightsout/internal/timerport"
)

// fireMeta travels as the timer payload.
type fireMeta struct {
	Occurrence string `json:"occurrence"`
	Weekday    int    `json:"weekday"`
	Kind       string `json:"kind"`
	Version    uint64 `json:"version,omitempty"`
}

// parseToken splits "<id>:<kind>".
func parseToken(token string) (id string, kind occurrence.TimerKind, err error) {
	i := strings.LastIndexByte(token, ':')
	if i <= 0 || i == len(token)-1 {
		return "", "", fmt.Errorf("malformed timer token %q", token)
	}
	id, kind = token[:i], occurrence.TimerKind(token[i+1:])
	if _, ok := occurrence.EventFor(kind); !ok {
		return "", "", fmt.Errorf("unknown timer kind in %q", token)
	}
	return id, kind, nil
}

// weekdayOf reads the weekday from an occurrence id ("mon-...").
func weekdayOf(id string) (time.Weekday, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok || len(prefix) != 3 {
		return 0, false
	}
	d, err := rule.ParseWeekday(prefix)
	if err != nil {
		return 0, false
	}
	return d, true
}

// resolveFire works out which occurrence a fire belongs to. The token is
// authoritative; the payload is only used when the token cannot be parsed.
func resolveFire(f timerport.Fire) (id string, day time.Weekday, kind occurrence.TimerKind, err error) {
	id, kind, err = parseToken(f.Token)
	if err != nil && len(f.Payload) > 0 {
		var m fireMeta
		if json.Unmarshal(f.Payload, &m) == nil && m.Occurrence != "" {
			id, kind = m.Occurrence, occurrence.TimerKind(m.Kind)
			if _, ok := occurrence.EventFor(kind); ok && m.Weekday >= 0 && m.Weekday <= 6 {
				return id, time.Weekday(m.Weekday), kind, nil
			}
		}
	}
	if err != nil {
		return "", 0, "", err
	}
	d, ok := weekdayOf(id)
	if !ok {
		return "", 0, "", fmt.Errorf("timer token %q has no weekday", f.Token)
	}
	return id, d, kind, nil
}

type actorKey struct{}

// WithActor tags ctx with who caused the following calls ("telegram:42",
// "config", "boot"). It shows up in audit entries and events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
