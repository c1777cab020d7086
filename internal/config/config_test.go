package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_RequiresDatabaseURL(t *testing.T) {
	_, err := FromEnv(envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"DATABASE_URL": "postgres://x"}))
	require.NoError(t, err)

	assert.Equal(t, "18911", cfg.Port)
	assert.Equal(t, "@every 1m", cfg.Scheduler.Spec)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, 5*24*time.Hour, cfg.TrialDuration)
	assert.Equal(t, 3000, cfg.TrialWordLimit)
	assert.False(t, cfg.EnforceImageDimensions)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, time.Hour, cfg.Scheduler.ExpiryInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"DATABASE_URL":                         "postgres://x",
		"PORT":                                 "9000",
		"SCHEDULED_POSTS_SPEC":                 "@every 30s",
		"SCHEDULED_POSTS_ENABLED":              "false",
		"LINKEDIN_RPS":                         "0.5",
		"TRIAL_DURATION":                       "48h",
		"CORS_ORIGINS":                         "https://a.test, https://b.test",
		"SUBSCRIPTION_EXPIRY_INTERVAL_SECONDS": "120",
		"ENFORCE_IMAGE_DIMENSIONS":             "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "@every 30s", cfg.Scheduler.Spec)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 0.5, cfg.LinkedIn.RPS)
	assert.Equal(t, 48*time.Hour, cfg.TrialDuration)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.ExpiryInterval)
	assert.True(t, cfg.EnforceImageDimensions)
}

func TestFromEnv_BadIntervalFallsBack(t *testing.T) {
	for _, raw := range []string{"0", "-1", "abc"} {
		cfg, err := FromEnv(envMap(map[string]string{
			"DATABASE_URL":                         "postgres://x",
			"SUBSCRIPTION_EXPIRY_INTERVAL_SECONDS": raw,
		}))
		require.NoError(t, err)
		assert.Equal(t, time.Hour, cfg.Scheduler.ExpiryInterval, "raw=%q", raw)
	}
}
