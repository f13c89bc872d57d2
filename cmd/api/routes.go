package main

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"famledger/internal/shared/config"
	"famledger/internal/shared/middleware"
	"famledger/internal/shared/telemetry"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", deps.HealthHandler.HandleHealth)
	if cfg.Telemetry.Enabled {
		mux.Handle("GET /metrics", telemetry.MetricsHandler())
	}

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protect("GET /api/accounts", deps.AccountHandler.HandleListAccounts)
	protect("GET /api/accounts/{id}", deps.AccountHandler.HandleGetAccount)
	protect("PUT /api/accounts/{id}/reconciliation", deps.AccountHandler.HandleUpdateReconciliation)

	protect("GET /api/reconciliation", deps.ReconciliationHandler.HandleReconcile)
	protect("GET /api/reconciliation/candidates", deps.ReconciliationHandler.HandleCandidates)
	protect("POST /api/reconciliation/confirm", deps.ReconciliationHandler.HandleConfirm)
	protect("POST /api/reconciliation/link", deps.ReconciliationHandler.HandleLink)
	protect("POST /api/reconciliation/move-forward", deps.ReconciliationHandler.HandleMoveForward)
	protect("DELETE /api/reconciliation/manual/{id}", deps.ReconciliationHandler.HandleDeleteManual)
	protect("/api/reconciliation/settings", deps.ReconciliationHandler.HandleSettings)

	protect("GET /api/transfers/audit", deps.TransferHandler.HandleAudit)
	protect("POST /api/transfers/link", deps.TransferHandler.HandleLink)
	protect("POST /api/transfers/unlink", deps.TransferHandler.HandleUnlink)

	// Apply global middleware, outermost last
	handler := middleware.Logging(logger)(middleware.CORS(cfg.Server.AllowedHosts)(mux))
	handler = middleware.Tracing(handler)

	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info("TLS security middleware enabled (HSTS)")
	}

	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry("famledger-api")(handler)
	}

	return handler
}
