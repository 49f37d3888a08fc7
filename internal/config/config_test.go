package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SIGNUP_BONUS_CREDITS", "")
	t.Setenv("RECONCILE_INTERVAL", "")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "credit-ledger", cfg.LedgerTopic)
	assert.Equal(t, "interview-usage", cfg.UsageTopic)
	assert.Equal(t, int64(50), cfg.SignupBonusCredits)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Minute, cfg.PendingPurchaseTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SIGNUP_BONUS_CREDITS", "25")
	t.Setenv("RECONCILE_INTERVAL", "0s")
	t.Setenv("PENDING_PURCHASE_TTL", "not-a-duration")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(25), cfg.SignupBonusCredits)
	assert.Equal(t, time.Duration(0), cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Minute, cfg.PendingPurchaseTTL)
}

func TestValidate_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cfg := Load()
	assert.Empty(t, cfg.JWTSecret)
	assert.ErrorIs(t, cfg.Validate(), ErrMissingJWTSecret)

	t.Setenv("JWT_SECRET", "s3cret")
	cfg = Load()
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.NoError(t, cfg.Validate())
}
