package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// rate/<class>/<identity> -> WindowCounter, with a TTL matching the window
func counterKey(class, id string) []byte { return key("rate", class, id) }

// IncrementWindow performs a fixed-window check-and-increment for
// (class, id). A missing or elapsed window starts over at 1. A window at or
// above limit is left untouched and reported as not allowed.
func (s *Store) IncrementWindow(ctx context.Context, class, id string, limit int, window time.Duration, now time.Time) (WindowCounter, bool, error) {
	var (
		out     WindowCounter
		allowed bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var c WindowCounter
		err := getJSON(txn, counterKey(class, id), &c)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		switch {
		case errors.Is(err, ErrNotFound) || !now.Before(c.ResetAt):
			c = WindowCounter{Count: 1, ResetAt: now.Add(window)}
		case c.Count >= limit:
			out, allowed = c, false
			return nil
		default:
			c.Count++
		}
		out, allowed = c, true

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		// TTL only garbage collects; ResetAt decides the window.
		ttl := c.ResetAt.Sub(now) + time.Second
		return txn.SetEntry(badger.NewEntry(counterKey(class, id), data).WithTTL(ttl))
	})
	return out, allowed, err
}
