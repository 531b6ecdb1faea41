package rules

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer answers, for one rule, whether the execution worker may act now and
// how long to wait before the next action. Actions are spaced at least
// delay_min apart and capped at daily_limit per calendar day.
type Pacer struct {
	mu      sync.Mutex
	config  RuleConfig
	limiter *rate.Limiter
	now     func() time.Time
	randInt func(n int64) int64
	day     string
	usedDay int
}

func NewPacer(config RuleConfig, now func() time.Time) *Pacer {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if config.DelayMin > 0 {
		limit = rate.Every(config.MinDelay())
	}
	return &Pacer{
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		now:     now,
		randInt: rand.Int64N,
	}
}

// PacerFor returns a pacer for rule that already counts the actions the
// execution worker reported for today.
func PacerFor(rule AutomationRule, now func() time.Time) *Pacer {
	p := NewPacer(rule.Config, now)
	p.Record(int(rule.Stats.ActionsToday))
	return p
}

// Record counts n actions taken today outside Allow.
func (p *Pacer) Record(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked(p.now())
	p.usedDay += n
}

// Allow reports whether an action may run now and, if so, records it.
func (p *Pacer) Allow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.rollDayLocked(now)
	if p.config.DailyLimit > 0 && p.usedDay >= p.config.DailyLimit {
		return false
	}
	if !p.limiter.AllowN(now, 1) {
		return false
	}
	p.usedDay++
	return true
}

// Remaining is the number of actions left today, or -1 without a cap.
func (p *Pacer) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked(p.now())
	if p.config.DailyLimit <= 0 {
		return -1
	}
	if left := p.config.DailyLimit - p.usedDay; left > 0 {
		return left
	}
	return 0
}

// NextDelay draws the wait before the next action uniformly from
// [delay_min, delay_max].
func (p *Pacer) NextDelay() time.Duration {
	minDelay, maxDelay := p.config.MinDelay(), p.config.MaxDelay()
	if maxDelay <= minDelay {
		return minDelay
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return minDelay + time.Duration(p.randInt(int64(maxDelay-minDelay)+1))
}

// rollDayLocked resets the daily count when now falls on a new calendar day
// in now's own location.
func (p *Pacer) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != p.day {
		p.day = day
		p.usedDay = 0
	}
}
