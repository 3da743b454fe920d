package config

import (
	"os"
	"strconv"
	"time"
)

// CoreConfig holds the tunables of the financial-integrity core.
type CoreConfig struct {
	// Transaction executor retry budget.
	TxMaxRetries int
	TxBaseDelay  time.Duration
	TxMaxDelay   time.Duration

	// Allocation broadcast.
	BroadcastTopK     int
	ResponseTTL       time.Duration
	TimeoutSweepEvery time.Duration
	WeightCompletion  float64
	WeightRating      float64
	WeightReliability float64

	// Reconciliation auditor.
	ReconcileEvery   time.Duration
	ReconcileEpsilon float64

	// Messaging gateway webhook; empty means log-only notifications.
	NotifyWebhookURL string
}

func LoadCoreConfig() *CoreConfig {
	return &CoreConfig{
		TxMaxRetries:      getEnvAsInt("TX_MAX_RETRIES", 5),
		TxBaseDelay:       getEnvAsDuration("TX_BASE_DELAY", 10*time.Millisecond),
		TxMaxDelay:        getEnvAsDuration("TX_MAX_DELAY", 500*time.Millisecond),
		BroadcastTopK:     getEnvAsInt("BROADCAST_TOP_K", 10),
		ResponseTTL:       getEnvAsDuration("RESPONSE_TTL", 15*time.Minute),
		TimeoutSweepEvery: getEnvAsDuration("TIMEOUT_SWEEP_INTERVAL", time.Minute),
		WeightCompletion:  getEnvAsFloat("SCORE_WEIGHT_COMPLETION", 0.40),
		WeightRating:      getEnvAsFloat("SCORE_WEIGHT_RATING", 0.30),
		WeightReliability: getEnvAsFloat("SCORE_WEIGHT_RELIABILITY", 0.30),
		ReconcileEvery:    getEnvAsDuration("RECONCILE_INTERVAL", time.Hour),
		ReconcileEpsilon:  getEnvAsFloat("RECONCILE_EPSILON", 0.01),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
