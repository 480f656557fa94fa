package script

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/MrWong99/glossa/pkg/types"
)

// Chain serves dialogues from several stores. Lookups try each store in
// order; a dialogue in an earlier store hides one with the same key in a
// later store. Put writes to the first store.
type Chain []Store

var _ Store = Chain(nil)

// Dialogue implements [Store].
func (c Chain) Dialogue(ctx context.Context, characterID, dialogueID string) (types.Dialogue, error) {
	for _, s := range c {
		d, err := s.Dialogue(ctx, characterID, dialogueID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return types.Dialogue{}, err
		}
	}
	return types.Dialogue{}, ErrNotFound
}

// List implements [Store].
func (c Chain) List(ctx context.Context, characterID string) ([]Summary, error) {
	seen := make(map[Key]bool)
	var out []Summary
	for _, s := range c {
		sums, err := s.List(ctx, characterID)
		if err != nil {
			return nil, err
		}
		for _, sum := range sums {
			if seen[sum.Key] {
				continue
			}
			seen[sum.Key] = true
			out = append(out, sum)
		}
	}
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return out, nil
}

// Put implements [Store].
func (c Chain) Put(ctx context.Context, d types.Dialogue) error {
	if len(c) == 0 {
		return errors.New("script: put: no store configured")
	}
	return c[0].Put(ctx, d)
}
