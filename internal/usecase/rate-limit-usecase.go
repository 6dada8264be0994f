package usecase

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iamvkosarev/ai-chat-gateway/config"
	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

type rateWindow struct {
	mu         sync.Mutex
	admissions []time.Time
	// removed is set once the window has left the map. Callers holding a
	// stale pointer load a fresh window instead.
	removed bool
}

// evict drops admissions older than windowStart. w.mu must be held.
func (w *rateWindow) evict(windowStart time.Time) {
	expired := 0
	for expired < len(w.admissions) && w.admissions[expired].Before(windowStart) {
		expired++
	}
	w.admissions = w.admissions[expired:]
}

// RateLimitUsecase is a sliding-window limiter keyed by caller identity.
// Windows live in process memory and are lost on restart.
type RateLimitUsecase struct {
	enabled bool
	limit   int
	window  time.Duration
	now     func() time.Time
	windows sync.Map
	// lastSweep holds the UnixNano time of the last idle window sweep.
	lastSweep atomic.Int64
}

func NewRateLimitUsecase(cfg config.RateLimit) *RateLimitUsecase {
	return &RateLimitUsecase{
		enabled: cfg.Enabled,
		limit:   max(1, cfg.RequestsPerWindow),
		window:  time.Duration(max(1, cfg.WindowSeconds)) * time.Second,
		now:     time.Now,
	}
}

// Admit records a request for identity and reports whether it fits into the
// trailing window. Blank identities and a disabled limiter always pass.
func (r *RateLimitUsecase) Admit(identity string) bool {
	if !r.enabled {
		return true
	}
	key := strings.TrimSpace(identity)
	if key == "" {
		return true
	}

	now := r.now()
	r.sweepIdle(now)
	for {
		value, _ := r.windows.LoadOrStore(key, &rateWindow{})
		w := value.(*rateWindow)
		if admitted, ok := r.admitTo(w, now); ok {
			return admitted
		}
	}
}

func (r *RateLimitUsecase) admitTo(w *rateWindow, now time.Time) (admitted bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed {
		return false, false
	}
	w.evict(now.Add(-r.window))
	if len(w.admissions) >= r.limit {
		return false, true
	}
	w.admissions = append(w.admissions, now)
	return true, true
}

// sweepIdle removes windows without admissions in the trailing window. It runs
// at most once per window length.
func (r *RateLimitUsecase) sweepIdle(now time.Time) {
	last := r.lastSweep.Load()
	if now.UnixNano()-last < int64(r.window) || !r.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	windowStart := now.Add(-r.window)
	r.windows.Range(
		func(key, value any) bool {
			w := value.(*rateWindow)
			w.mu.Lock()
			w.evict(windowStart)
			if len(w.admissions) == 0 {
				w.removed = true
				r.windows.CompareAndDelete(key, w)
			}
			w.mu.Unlock()
			return true
		},
	)
}

func (r *RateLimitUsecase) Check(identity string) error {
	if !r.Admit(identity) {
		return fmt.Errorf("%d requests per %s exceeded: %w", r.limit, r.window, model.ErrRateLimited)
	}
	return nil
}

// Reset forgets every window.
func (r *RateLimitUsecase) Reset() {
	r.windows.Range(
		func(key, value any) bool {
			w := value.(*rateWindow)
			w.mu.Lock()
			w.removed = true
			r.windows.CompareAndDelete(key, w)
			w.mu.Unlock()
			return true
		},
	)
}
