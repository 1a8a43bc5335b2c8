package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Gate: GateConfig{
			IndividualThreshold: 6,
			GroupThreshold:      7,
			UrgentThreshold:     3,
			MinimumFloor:        2,
		},
		Delay: DelayConfig{
			Individual:        DelayBandConfig{MinSeconds: 30, MaxSeconds: 300},
			Group:             DelayBandConfig{MinSeconds: 60, MaxSeconds: 600},
			QuietHoursStart:   22,
			QuietHoursEnd:     7,
			QuietMultiplier:   3,
			WeekendDays:       []string{"saturday", "sunday"},
			WeekendMultiplier: 2,
			MaxDelayMinutes:   180,
		},
		Checkin: CheckinConfig{Cron: "0 9 * * *"},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsOutOfRangeThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.IndividualThreshold = 11
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Gate.MinimumFloor = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedBand(t *testing.T) {
	cfg := validConfig()
	cfg.Delay.Group = DelayBandConfig{MinSeconds: 600, MaxSeconds: 60}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadQuietHours(t *testing.T) {
	cfg := validConfig()
	cfg.Delay.QuietHoursStart = 24
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadCron(t *testing.T) {
	cfg := validConfig()
	cfg.Checkin.Cron = "whenever"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownWeekendDay(t *testing.T) {
	cfg := validConfig()
	cfg.Delay.WeekendDays = []string{"caturday"}
	assert.Error(t, cfg.Validate())
}

func TestWeekendDays(t *testing.T) {
	cfg := validConfig()
	days, err := cfg.WeekendDays()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, days)
}
