package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DBSource               string
	Port                   string
	Env                    string
	MinWithdrawalCents     int64
	ReferralBonusThreshold int
	ReferralBonusCents     int64
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	minWithdrawal, err := envInt64("MIN_WITHDRAWAL_CENTS", 500)
	if err != nil {
		return nil, err
	}
	bonusThreshold, err := envInt64("REFERRAL_BONUS_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	bonusCents, err := envInt64("REFERRAL_BONUS_CENTS", 1000)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:               dbSource,
		Port:                   port,
		Env:                    env,
		MinWithdrawalCents:     minWithdrawal,
		ReferralBonusThreshold: int(bonusThreshold),
		ReferralBonusCents:     bonusCents,
	}, nil
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}
