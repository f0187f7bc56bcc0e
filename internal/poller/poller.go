// Package poller owns every periodic refresh: the window-state interval rule,
// exponential backoff on consecutive failures and last-request-wins stamping.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type WindowState string

const (
	Focused WindowState = "focused"
	Visible WindowState = "visible"
	Hidden  WindowState = "hidden"
)

const (
	VisibleFloor = 30 * time.Second
	HiddenFloor  = 5 * time.Minute
)

func ParseWindowState(input string) (WindowState, error) {
	switch WindowState(strings.ToLower(strings.TrimSpace(input))) {
	case "", Focused:
		return Focused, nil
	case Visible:
		return Visible, nil
	case Hidden:
		return Hidden, nil
	default:
		return "", fmt.Errorf("window state must be focused, visible or hidden")
	}
}

// Environment reports how visible the consumer currently is.
type Environment interface {
	WindowState() WindowState
}

// StaticEnvironment is an Environment that never changes.
type StaticEnvironment WindowState

func (e StaticEnvironment) WindowState() WindowState { return WindowState(e) }

// SwitchEnvironment is an Environment whose state can be changed at runtime.
type SwitchEnvironment struct {
	state atomic.Value
}

func NewSwitchEnvironment(initial WindowState) *SwitchEnvironment {
	env := &SwitchEnvironment{}
	env.Set(initial)
	return env
}

func (e *SwitchEnvironment) Set(state WindowState) { e.state.Store(state) }

func (e *SwitchEnvironment) WindowState() WindowState {
	v, _ := e.state.Load().(WindowState)
	if v == "" {
		return Focused
	}
	return v
}

// EffectiveInterval applies the window-state floor to a base interval.
func EffectiveInterval(base time.Duration, state WindowState) time.Duration {
	switch state {
	case Visible:
		return maxDuration(base, VisibleFloor)
	case Hidden:
		return maxDuration(base, HiddenFloor)
	default:
		return base
	}
}

// Backoff grows geometrically from Min to Max over Steps attempts.
type Backoff struct {
	Min   time.Duration
	Max   time.Duration
	Steps int
}

func DefaultBackoff() Backoff {
	return Backoff{Min: 30 * time.Second, Max: 60 * time.Second, Steps: 5}
}

// Interval returns min(Max, Min * factor^attempt) with
// factor = (Max/Min)^(1/(Steps-1)).
func (b Backoff) Interval(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Min <= 0 {
		return b.Max
	}
	if b.Steps <= 1 || b.Max <= b.Min {
		return minDuration(b.Min, maxDuration(b.Max, b.Min))
	}
	factor := math.Pow(float64(b.Max)/float64(b.Min), 1/float64(b.Steps-1))
	d := math.Round(float64(b.Min) * math.Pow(factor, float64(attempt)))
	if d >= float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}

// ErrStop ends a Run loop without an error.
var ErrStop = errors.New("poller: stop")

// Poller drives a refresh function at the effective interval.
type Poller struct {
	env     Environment
	backoff Backoff

	mu       sync.Mutex
	base     time.Duration
	failures int
	observe  func(wait time.Duration, err error)

	kick chan struct{}
}

func New(base time.Duration, env Environment, backoff Backoff) *Poller {
	if env == nil {
		env = StaticEnvironment(Focused)
	}
	return &Poller{
		env:     env,
		backoff: backoff,
		base:    base,
		kick:    make(chan struct{}, 1),
	}
}

// SetBase changes the healthy interval for subsequent waits.
func (p *Poller) SetBase(base time.Duration) {
	p.mu.Lock()
	p.base = base
	p.mu.Unlock()
}

// Observe registers a callback invoked after every refresh with the chosen wait.
func (p *Poller) Observe(fn func(wait time.Duration, err error)) {
	p.mu.Lock()
	p.observe = fn
	p.mu.Unlock()
}

func (p *Poller) RecordSuccess() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

func (p *Poller) RecordFailure() {
	p.mu.Lock()
	if p.backoff.Steps <= 0 || p.failures < p.backoff.Steps {
		p.failures++
	}
	p.mu.Unlock()
}

func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Next is the wait before the following refresh. While failures are recorded
// the backoff interval replaces the base interval.
func (p *Poller) Next() time.Duration {
	p.mu.Lock()
	base, failures := p.base, p.failures
	p.mu.Unlock()
	if failures > 0 {
		base = p.backoff.Interval(failures - 1)
	}
	return EffectiveInterval(base, p.env.WindowState())
}

// Kick wakes a waiting Run loop for an immediate refresh.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run calls fn until ctx is cancelled or fn returns ErrStop. Failures feed the
// backoff; the first success resets it.
func (p *Poller) Run(ctx context.Context, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			p.RecordFailure()
		} else {
			p.RecordSuccess()
		}
		wait := p.Next()
		p.mu.Lock()
		observe := p.observe
		p.mu.Unlock()
		if observe != nil {
			observe(wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sequence stamps in-flight requests so only the newest response is applied.
type Sequence struct {
	issued atomic.Uint64
}

func (s *Sequence) Next() uint64 { return s.issued.Add(1) }

func (s *Sequence) IsLatest(stamp uint64) bool { return s.issued.Load() == stamp }

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
