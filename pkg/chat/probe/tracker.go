package probe

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
)

const DefaultStatusTTL = 30 * time.Second

// Tracker caches the latest backend status for a fixed list of candidates.
// Concurrent callers that find the cache stale share a single probe.
type Tracker struct {
	prober     *Prober
	candidates []string
	ttl        time.Duration
	now        func() time.Time

	mu       sync.Mutex
	status   backend.Status
	probedAt time.Time
	valid    bool
	inflight chan struct{}
}

func NewTracker(prober *Prober, candidates []string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Tracker{
		prober:     prober,
		candidates: append([]string(nil), candidates...),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (t *Tracker) Candidates() []string {
	return append([]string(nil), t.candidates...)
}

// Current returns the cached status without probing. It is Unknown until the
// first probe completes.
func (t *Tracker) Current() backend.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Invalidate makes the next Status call probe again. The cached value stays
// readable through Current.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.valid = false
	t.mu.Unlock()
}

// Status returns the cached status when it is fresh, otherwise it probes and
// replaces the cached value.
func (t *Tracker) Status(ctx context.Context) backend.Status {
	for {
		t.mu.Lock()
		if t.valid && t.now().Sub(t.probedAt) < t.ttl {
			s := t.status
			t.mu.Unlock()
			return s
		}
		if wait := t.inflight; wait != nil {
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return t.Current()
			}
		}
		done := make(chan struct{})
		t.inflight = done
		t.mu.Unlock()

		s := t.prober.Probe(ctx, t.candidates)

		t.mu.Lock()
		t.status = s
		t.probedAt = t.now()
		// a probe cut short by the caller is kept but not trusted
		t.valid = ctx.Err() == nil
		t.inflight = nil
		t.mu.Unlock()
		close(done)
		return s
	}
}
