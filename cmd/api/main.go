package main

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/api"
	"github.com/panelpay/ledger/internal/config"
	"github.com/panelpay/ledger/internal/service"
	"github.com/panelpay/ledger/internal/store"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "rewards-api").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Env == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	st, err := store.New(cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	log.Info().Msg("schema up to date")

	db := st.Pool()
	identity := service.NewIdentityService(db, log)
	rewards := service.NewRewardService(db, log)
	withdrawals := service.NewWithdrawalService(db, log, cfg.MinWithdrawalCents)
	referrals := service.NewReferralService(db, log, cfg.ReferralBonusThreshold, cfg.ReferralBonusCents)

	handler := api.NewHandler(identity, rewards, withdrawals, referrals, st, log)

	log.Info().Str("port", cfg.Port).Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, handler.Router()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
