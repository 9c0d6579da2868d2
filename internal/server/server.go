// Package server exposes the HTTP API: escrow operation endpoints feeding
// the single-writer core, read endpoints over the projection tables, and
// the commerce glue for orders and product listings.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/core"
	"EscrowLedger/internal/deploy"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/operation"
	"EscrowLedger/internal/orders"
	"EscrowLedger/internal/query"
)

// submitTimeout bounds how long a request waits for the core to commit.
const submitTimeout = 10 * time.Second

// httpSource names the HTTP ingest surface for per-source sequencing.
// HTTP operations carry no upstream sequence, so ordering checks are
// skipped for them.
const httpSource = "http"

type Server struct {
	input       chan<- core.Input
	query       *query.Service
	orders      *orders.Store
	products    *orders.ProductStore
	deployer    *deploy.Deployer
	health      *observability.HealthChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	adminSecret string
}

type Config struct {
	Input       chan<- core.Input
	Query       *query.Service
	Orders      *orders.Store
	Products    *orders.ProductStore
	Deployer    *deploy.Deployer
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	AdminSecret string
}

func New(cfg Config) *Server {
	return &Server{
		input:       cfg.Input,
		query:       cfg.Query,
		orders:      cfg.Orders,
		products:    cfg.Products,
		deployer:    cfg.Deployer,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		adminSecret: cfg.AdminSecret,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleCreate)
		r.Get("/escrows", s.handleListEscrows)
		r.Get("/escrows/{id}", s.handleGetEscrow)
		r.Get("/escrows/{id}/instructions", s.handleInstructionHistory)
		r.Post("/escrows/{id}/fund", s.handleFund)
		r.Post("/escrows/{id}/deliver", s.handleDeliver)
		r.Post("/escrows/{id}/confirm", s.handleConfirm)
		r.Post("/escrows/{id}/dispute", s.handleDispute)
		r.Post("/escrows/{id}/cancel", s.handleCancel)

		r.Get("/orders", s.handleListOrders)
		r.Get("/orders/{id}", s.handleGetOrder)

		r.Post("/products", s.handleCreateProduct)
		r.Get("/products", s.handleListProducts)
		r.Get("/products/{id}", s.handleGetProduct)
		r.Put("/products/{id}", s.handleUpdateProduct)
		r.Delete("/products/{id}", s.handleDeactivateProduct)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/escrows/{id}/resolve", s.handleResolve)
			r.Post("/escrows/{id}/release", s.handleAdminRelease)
			r.Get("/integrity", s.handleIntegrity)
			r.Post("/deploy", s.handleDeploy)
			r.Get("/escrows/{id}/onledger", s.handleOnLedgerQuery)
			r.Post("/onledger/submit", s.handleOnLedgerSubmit)
		})
	})

	return r
}

// submitOp hands one operation to the core and waits for the outcome.
func (s *Server) submitOp(ctx context.Context, op operation.Operation) (*escrow.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues("http", op.OpType().String()).Inc()
	}

	reply := make(chan core.Outcome, 1)
	select {
	case s.input <- core.Input{Op: op, Source: httpSource, Received: time.Now(), Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-reply:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeOpError maps core/engine failures onto HTTP statuses. Duplicates
// are reported as success so retries stay idempotent from the client's
// point of view.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	if rej, ok := escrow.AsRejection(err); ok {
		writeJSON(w, rejectionStatus(rej.Kind), map[string]string{
			"error": rej.Reason,
			"kind":  rej.Kind.String(),
		})
		return
	}
	s.logger.Error().Err(err).Msg("operation failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func rejectionStatus(kind escrow.RejectKind) int {
	switch kind {
	case escrow.RejectUnauthorized:
		return http.StatusForbidden
	case escrow.RejectInvalidState:
		return http.StatusConflict
	case escrow.RejectNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
