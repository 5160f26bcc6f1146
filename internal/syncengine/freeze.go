package syncengine

import (
	"sync"
	"time"
)

// DefaultFreezeDuration bounds an edit session that is never ended.
const DefaultFreezeDuration = 2 * time.Minute

// FreezeWindow suppresses resync while the user is editing. It expires on
// its own so an abandoned edit cannot disable sync for good.
type FreezeWindow struct {
	mu          sync.Mutex
	duration    time.Duration
	frozenUntil time.Time
	now         func() time.Time
}

// NewFreezeWindow creates a window of the given duration. A nil clock
// means time.Now.
func NewFreezeWindow(duration time.Duration, now func() time.Time) *FreezeWindow {
	if duration <= 0 {
		duration = DefaultFreezeDuration
	}
	if now == nil {
		now = time.Now
	}
	return &FreezeWindow{duration: duration, now: now}
}

// Begin freezes sync until now + duration. Calling it again extends the
// window.
func (f *FreezeWindow) Begin() {
	f.mu.Lock()
	f.frozenUntil = f.now().Add(f.duration)
	f.mu.Unlock()
}

// End clears the window immediately.
func (f *FreezeWindow) End() {
	f.mu.Lock()
	f.frozenUntil = time.Time{}
	f.mu.Unlock()
}

// Active reports whether now < frozenUntil.
func (f *FreezeWindow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(f.frozenUntil)
}

// Until returns the expiry, zero when not frozen.
func (f *FreezeWindow) Until() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.now().Before(f.frozenUntil) {
		return time.Time{}
	}
	return f.frozenUntil
}
