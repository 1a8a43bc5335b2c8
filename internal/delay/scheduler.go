package delay

import (
	"math/rand"
	"time"

	"github.com/xaenox/coach-bot/internal/models"
)

// Band is the [Min, Max] window a base delay is drawn from.
type Band struct {
	Min time.Duration
	Max time.Duration
}

// Config drives the human-like send staggering. Quiet hours are a local-time
// window; the weekend set holds the configured weekend days. MaxDelay is the
// absolute clamp so a message is never parked indefinitely.
type Config struct {
	Individual        Band
	Group             Band
	QuietHoursStart   int // 0..23, inclusive
	QuietHoursEnd     int // 0..23, exclusive
	QuietMultiplier   float64
	WeekendDays       []time.Weekday
	WeekendMultiplier float64
	MaxDelay          time.Duration
}

// Scheduler computes send-time offsets. It is a pure function of (now,
// config) plus a draw from the injected random source, so tests can pin both.
type Scheduler struct {
	cfg  Config
	rand *rand.Rand
}

func NewScheduler(cfg Config, rng *rand.Rand) *Scheduler {
	return &Scheduler{cfg: cfg, rand: rng}
}

// ComputeDelay returns the plan for one approved automated reply. Urgent
// replies use the band minimum and skip every multiplier.
func (s *Scheduler) ComputeDelay(now time.Time, isUrgent bool, scope models.Scope) models.DelayPlan {
	band := s.cfg.Individual
	if scope == models.ScopeGroup {
		band = s.cfg.Group
	}

	if isUrgent {
		return models.DelayPlan{
			BaseDelay:         band.Min,
			MultiplierApplied: 1,
			ScheduledAt:       now.Add(band.Min),
		}
	}

	base := band.Min
	if span := band.Max - band.Min; span > 0 {
		base += time.Duration(s.rand.Int63n(int64(span) + 1))
	}

	multiplier := 1.0
	if s.inQuietHours(now) {
		multiplier *= s.cfg.QuietMultiplier
	}
	if s.onWeekend(now) {
		multiplier *= s.cfg.WeekendMultiplier
	}

	total := time.Duration(float64(base) * multiplier)
	if s.cfg.MaxDelay > 0 && total > s.cfg.MaxDelay {
		total = s.cfg.MaxDelay
	}

	return models.DelayPlan{
		BaseDelay:         base,
		MultiplierApplied: multiplier,
		ScheduledAt:       now.Add(total),
	}
}

// inQuietHours handles windows that wrap midnight, e.g. 22..6.
func (s *Scheduler) inQuietHours(now time.Time) bool {
	start, end := s.cfg.QuietHoursStart, s.cfg.QuietHoursEnd
	if start == end {
		return false
	}
	hour := now.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (s *Scheduler) onWeekend(now time.Time) bool {
	day := now.Weekday()
	for _, d := range s.cfg.WeekendDays {
		if d == day {
			return true
		}
	}
	return false
}
