// Package ratelimit enforces fixed-window request quotas per endpoint class
// and caller identity.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/store"
)

// Class groups endpoints that share a quota
type Class string

const (
	ClassAuth         Class = "auth"
	ClassFileUpload   Class = "file_upload"
	ClassFileDownload Class = "file_download"
	ClassDefault      Class = "default"
)

// DefaultWindow is the length of one counting window
const DefaultWindow = time.Minute

// DefaultLimits are the per-window request limits
func DefaultLimits() map[Class]int {
	return map[Class]int{
		ClassAuth:         5,
		ClassFileUpload:   10,
		ClassFileDownload: 20,
		ClassDefault:      60,
	}
}

var fragments = []struct {
	fragment string
	class    Class
}{
	{"/api/files/download/", ClassFileDownload},
	{"/api/files/upload/", ClassFileUpload},
	{"/api/auth/", ClassAuth},
}

// Classify maps a request path to its class. The longest known fragment
// contained in the path wins; anything else is ClassDefault.
func Classify(path string) Class {
	path = strings.ToLower(path)
	best, bestLen := ClassDefault, 0
	for _, f := range fragments {
		if len(f.fragment) > bestLen && strings.Contains(path, f.fragment) {
			best, bestLen = f.class, len(f.fragment)
		}
	}
	return best
}

// Identify returns the caller identity: the user id when authenticated,
// otherwise the remote host.
func Identify(callerID, remoteAddr string) string {
	if callerID != "" {
		return "user:" + callerID
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "ip:" + host
}

// CounterStore performs an atomic fixed-window check-and-increment. It
// reports whether the request fits in the window; a rejected request does
// not change the count.
type CounterStore interface {
	IncrementWindow(ctx context.Context, class, id string, limit int, window time.Duration, now time.Time) (store.WindowCounter, bool, error)
}

// Decision is the outcome of one check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// ExceededError is returned by Allow when a caller is over quota
type ExceededError struct {
	Class      Class
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Class, e.RetryAfter)
}

// Options configures a Limiter
type Options struct {
	Limits map[Class]int // missing classes use DefaultLimits
	Window time.Duration
	Logger *logrus.Logger
	Now    func() time.Time
}

// Limiter applies per-class limits over a CounterStore
type Limiter struct {
	counters CounterStore
	limits   map[Class]int
	window   time.Duration
	log      *logrus.Logger
	now      func() time.Time
}

// New returns a Limiter
func New(counters CounterStore, opts Options) (*Limiter, error) {
	if counters == nil {
		return nil, fmt.Errorf("ratelimit: counter store is required")
	}
	limits := DefaultLimits()
	for c, n := range opts.Limits {
		if n <= 0 {
			return nil, fmt.Errorf("ratelimit: limit for %s must be positive, got %d", c, n)
		}
		limits[c] = n
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		counters: counters,
		limits:   limits,
		window:   opts.Window,
		log:      logging.OrDefault(opts.Logger),
		now:      opts.Now,
	}, nil
}

// Limit returns the per-window limit of class
func (l *Limiter) Limit(class Class) int {
	if n, ok := l.limits[class]; ok {
		return n
	}
	return l.limits[ClassDefault]
}

// CheckAndIncrement counts one request for (class, id) if it fits in the
// current window
func (l *Limiter) CheckAndIncrement(ctx context.Context, class Class, id string) (Decision, error) {
	limit := l.Limit(class)
	now := l.now()
	c, allowed, err := l.counters.IncrementWindow(ctx, string(class), id, limit, l.window, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-c.Count, 0),
		ResetAt:   c.ResetAt,
	}
	if !allowed {
		d.RetryAfter = max(c.ResetAt.Sub(now), time.Second)
		l.log.WithFields(logrus.Fields{"class": class, "count": c.Count}).Debug("rate limit exceeded")
	}
	return d, nil
}

// Allow is CheckAndIncrement that reports rejection as *ExceededError
func (l *Limiter) Allow(ctx context.Context, class Class, id string) error {
	d, err := l.CheckAndIncrement(ctx, class, id)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &ExceededError{Class: class, RetryAfter: d.RetryAfter}
	}
	return nil
}
