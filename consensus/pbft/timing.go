package pbft

import "time"

// Clock returns the current time. Tests swap it for a manual clock.
type Clock func() time.Time

// Ticker is a deadline-driven periodic trigger. It never spawns a goroutine: the owner
// calls Tick from its loop and the callback runs at most once per call, even if several
// periods have elapsed since the last firing.
type Ticker struct {
	period time.Duration
	last   time.Time
	now    Clock
}

// NewTicker creates a ticker whose first firing is one period from now.
func NewTicker(period time.Duration, now Clock) *Ticker {
	if now == nil {
		now = time.Now
	}
	return &Ticker{period: period, last: now(), now: now}
}

// Tick runs fn when at least one period has elapsed since the last firing.
func (t *Ticker) Tick(fn func()) bool {
	now := t.now()
	if now.Sub(t.last) < t.period {
		return false
	}
	// 여러 주기가 지나도 한 번만 실행
	t.last = now
	fn()
	return true
}

// TimeoutState is the state of a Timeout.
type TimeoutState int

const (
	TimeoutInactive TimeoutState = iota
	TimeoutActive
	TimeoutExpired
)

// Timeout tracks whether a phase made progress within its duration.
type Timeout struct {
	duration time.Duration
	start    time.Time
	state    TimeoutState
	now      Clock
}

// NewTimeout creates an inactive timeout.
func NewTimeout(duration time.Duration, now Clock) *Timeout {
	if now == nil {
		now = time.Now
	}
	return &Timeout{duration: duration, now: now}
}

// Start arms the timeout from now. Calling it again restarts the countdown.
func (t *Timeout) Start() {
	t.start = t.now()
	t.state = TimeoutActive
}

// Stop disarms the timeout.
func (t *Timeout) Stop() {
	t.state = TimeoutInactive
}

// IsActive reports whether the timeout is counting down.
func (t *Timeout) IsActive() bool {
	return t.state == TimeoutActive
}

// CheckExpired reports whether the duration elapsed since Start. Once expired it stays
// expired until restarted or stopped.
func (t *Timeout) CheckExpired() bool {
	// 만료되면 다시 Start 하기 전까지 만료 상태 유지
	if t.state == TimeoutActive && t.now().Sub(t.start) >= t.duration {
		t.state = TimeoutExpired
	}
	return t.state == TimeoutExpired
}

// Duration returns the configured duration.
func (t *Timeout) Duration() time.Duration {
	return t.duration
}
