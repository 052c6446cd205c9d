package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "order-settlement", cfg.Queue.Name)
	assert.Empty(t, cfg.Queue.DeadLetterName)
	assert.Equal(t, 5, cfg.Worker.MaxReceiveCount)
	assert.Equal(t, 15*time.Second, cfg.Worker.ProcessTimeout)
	assert.Equal(t, cfg.Worker.PollWait+5*time.Second, cfg.Worker.PollTimeout)
	assert.Equal(t, "random", cfg.Worker.PaymentMode)
	assert.Equal(t, 0.7, cfg.Worker.PaymentSuccessRate)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("QUEUE_DLQ_NAME", "order-settlement-dlq")
	t.Setenv("QUEUE_POLL_WAIT", "2s")
	t.Setenv("WORKER_MAX_RECEIVE_COUNT", "3")
	t.Setenv("PAYMENT_MODE", "rule_based")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "order-settlement-dlq", cfg.Queue.DeadLetterName)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollWait)
	assert.Equal(t, 7*time.Second, cfg.Worker.PollTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxReceiveCount)
	assert.Equal(t, "rule_based", cfg.Worker.PaymentMode)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("WORKER_MAX_RECEIVE_COUNT", "-4")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "soon")
	t.Setenv("PAYMENT_SUCCESS_RATE", "often")

	cfg := Load()

	assert.Equal(t, 5, cfg.Worker.MaxReceiveCount)
	assert.Equal(t, 30*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 0.7, cfg.Worker.PaymentSuccessRate)
}
