package main

import (
	"log"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/contaflux/reconciler/internal/api"
	"github.com/contaflux/reconciler/internal/config"
	"github.com/contaflux/reconciler/internal/group"
	"github.com/contaflux/reconciler/internal/importer"
	"github.com/contaflux/reconciler/internal/match"
	"github.com/contaflux/reconciler/internal/repository"
)

func main() {
	cfg := config.Load()

	log.Printf("Initializing database at %s", cfg.DBPath)
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Matching and grouping follow the configured thresholds.
	matchCfg := match.DefaultConfig()
	matchCfg.WindowDays = cfg.MatchWindowDays
	matchCfg.Threshold = cfg.MatchThreshold

	groupCfg := group.DefaultConfig()
	groupCfg.TolerancePercent = decimal.NewFromFloat(cfg.GroupTolerancePct)

	// Create repositories and the ledger gateway.
	gateway := repository.NewGateway(db, groupCfg)
	stateStore := repository.NewStateStore(db)
	txnRepo := repository.NewTransactionRepo(db)
	runRepo := repository.NewRunRepo(db)

	orchCfg := importer.Config{
		PageSize:    cfg.PageSize,
		MaxPages:    cfg.MaxPages,
		Concurrency: cfg.FetchConcurrency,
		Retry: importer.RetryPolicy{
			Attempts:  cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		Match: matchCfg,
		Group: groupCfg,
	}

	orch := importer.New(gateway, stateStore, orchCfg)
	source := importer.NewHTTPSource(
		"bookkeeping", cfg.SourceBaseURL,
		cfg.SourceAccessToken, cfg.SourceSecretToken,
		cfg.PageTimeout,
	)

	// Create router.
	router := api.NewRouter(txnRepo, runRepo, gateway, orch, source)

	log.Printf("Contaflux Ledger Reconciliation & Import Engine")
	log.Printf("Listening on http://localhost:%s", cfg.Port)
	log.Printf("API base: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/imports")
	log.Printf("  GET    /api/v1/imports")
	log.Printf("  GET    /api/v1/imports/{id}")
	log.Printf("  POST   /api/v1/webhooks/bookkeeping")
	log.Printf("  POST   /api/v1/suppressions")
	log.Printf("  GET    /api/v1/transactions")
	log.Printf("  GET    /api/v1/groups")
	log.Printf("  GET    /api/v1/dashboard")

	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
