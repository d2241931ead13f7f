package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"lightsout/internal/rule"
	"lightsout/internal/storage"
)

// Storage keys.
const (
	KeySchedule = "schedule"
	KeyArmed    = "armed"
)

func encodeArmed(tokens []string) ([]byte, error) {
	if tokens == nil {
		tokens = []string{}
	}
	return json.Marshal(tokens)
}

// saveRule writes the rule and the armed set in one batch.
func (s *Service) saveRule(ctx context.Context, r rule.Rule, armed []string) error {
	rb, err := rule.Encode(r)
	if err != nil {
		return err
	}
	ab, err := encodeArmed(armed)
	if err != nil {
		return err
	}
	return s.store.PutBatch(ctx, map[string][]byte{KeySchedule: rb, KeyArmed: ab})
}

// saveArmed persists the current armed set. Failures are logged and
// published; the in-memory schedule stays authoritative.
func (s *Service) saveArmed(ctx context.Context) {
	s.mu.Lock()
	tokens := s.armedLocked()
	s.mu.Unlock()
	if err := s.putArmed(ctx, tokens); err != nil {
		s.persistFailed(KeyArmed, err)
	}
}

func (s *Service) putArmed(ctx context.Context, tokens []string) error {
	b, err := encodeArmed(tokens)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.store.Put(cctx, KeyArmed, b)
}

// loadRule returns the persisted rule, or ok=false when none was stored.
func (s *Service) loadRule(ctx context.Context) (rule.Rule, bool, error) {
	b, err := s.store.Get(ctx, KeySchedule)
	if errors.Is(err, storage.ErrNotFound) {
		return rule.Rule{}, false, nil
	}
	if err != nil {
		return rule.Rule{}, false, err
	}
	r, err := rule.Decode(b)
	if err != nil {
		return rule.Rule{}, false, fmt.Errorf("decode %s: %w", KeySchedule, err)
	}
	return r, true, nil
}

func (s *Service) loadArmed(ctx context.Context) ([]string, error) {
	b, err := s.store.Get(ctx, KeyArmed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyArmed, err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.Actor == "" {
		e.Actor = actorFrom(ctx)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(cctx, e); err != nil {
		s.persistFailed("audit", err)
	}
}
