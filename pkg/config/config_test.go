package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func TestParseDisabled(t *testing.T) {
	for raw, want := range map[string]bool{
		"":       false,
		"0":      false,
		"false":  false,
		" FALSE": false,
		"1":      true,
		"true":   true,
		"True ":  true,
	} {
		assert.Equal(t, want, ParseDisabled(raw), "raw=%q", raw)
	}
}

func TestDefaults(t *testing.T) {
	cfg := fromViper(newTestViper())

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.False(t, cfg.Mail.Disabled)
	assert.Equal(t, TransportLog, cfg.Mail.Transport)
	assert.True(t, cfg.Mail.ExcludeActor)
	assert.Equal(t, "*/15 * * * *", cfg.Digest.Schedule)
	assert.Equal(t, 30*time.Minute, cfg.Digest.ClaimTTL)
	assert.Equal(t, 500, cfg.Digest.BatchLimit)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Events.Brokers)
	assert.False(t, cfg.Locking.Distributed)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAIL_DISABLED", "1")
	t.Setenv("MAIL_TRANSPORT", " SendGrid ")
	t.Setenv("DIGEST_LOCK_TTL", "bogus")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092 ")

	cfg := fromViper(newTestViper())

	assert.True(t, cfg.Mail.Disabled)
	assert.Equal(t, TransportSendgrid, cfg.Mail.Transport)
	assert.Equal(t, 10*time.Minute, cfg.Digest.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Brokers)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a"}, splitAndTrim(" a ,"))
}
