/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP:             Client address from proxy headers
  2. StructuredLogging:  Request-scoped slog logger, X-Request-ID
  3. Recoverer:          Panic recovery (500 instead of crash)
  4. CORS:               Cross-origin requests for the admin frontend
  5. ActorIdentity:      X-Actor-ID / X-Actor-Role into the context

ROUTE GROUPS:
  /api/wallets/*         Balances, entries, ledger primitives
  /api/withdrawals/*     Star withdrawal flow
  /api/payouts/*         Admin payout flow (admin only)
  /api/commission/*      Commission config and quotes
  /api/reconciliation/*  Scheduler runs
  /healthz               Liveness

SECURITY NOTE:
  No authentication middleware. Actor headers are trusted as sent and must
  be set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/star-wallet/withdrawal"
)

// RouterOptions configures cross-cutting router behavior.
type RouterOptions struct {
	Logger         *slog.Logger
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(StructuredLogging(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole, HeaderRequestID},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: false,
	}))
	r.Use(ActorIdentity)

	admin := RequireRole(withdrawal.RoleAdmin)

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Wallet routes
		r.Route("/wallets/{owner}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/entries", h.GetEntries)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Get("/reconciliation", h.GetReconciliation)
				r.Post("/escrow", h.CreditEscrow)
				r.Post("/escrow/maturations", h.Maturate)
				r.Post("/escrow/refunds", h.ReverseEscrow)
				r.Post("/debits", h.DebitJackpot)
			})
		})

		// Star withdrawal routes
		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", h.CreateWithdrawal)
			r.Get("/", h.ListWithdrawals)
			r.Get("/{id}", h.GetWithdrawal)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/{id}/approve", h.ApproveWithdrawal)
				r.Post("/{id}/reject", h.RejectWithdrawal)
				r.Post("/{id}/retry", h.RetryWithdrawal)
			})
		})

		// Admin payout routes
		r.Route("/payouts", func(r chi.Router) {
			r.Use(admin)
			r.Post("/", h.InitiatePayout)
			r.Post("/{id}/approve", h.ApprovePayout)
			r.Post("/{id}/complete", h.CompletePayout)
			r.Post("/{id}/reject", h.RejectPayout)
			r.Post("/{id}/retry", h.RetryPayout)
		})

		// Commission routes
		r.Route("/commission", func(r chi.Router) {
			r.Get("/config", h.GetCommissionConfig)
			r.With(admin).Put("/config", h.PutCommissionConfig)
			r.Get("/quote", h.QuoteCommission)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Use(admin)
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/run", h.TriggerReconciliation)
		})
	})

	return r
}
