package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/http/handlers"
	"prepaidmeter/backend/services/metering-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Auth     *handlers.AuthHandlers
	Accounts *handlers.AccountHandlers
	Funding  *handlers.FundingHandlers
	Health   http.HandlerFunc
	Feed     http.HandlerFunc
	Tokens   middleware.TokenValidator
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", deps.Health)
	r.Handle("/metrics", promhttp.Handler())
	if deps.Feed != nil {
		r.Get("/ws", deps.Feed)
	}

	r.Post("/auth/register", deps.Auth.Register)
	r.Post("/auth/login", deps.Auth.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Tokens))
		r.Use(chimw.Timeout(30 * time.Second))

		r.Post("/auth/logout", deps.Auth.Logout)

		r.Route("/accounts/me", func(r chi.Router) {
			r.Get("/", deps.Accounts.Me)
			r.Delete("/", deps.Accounts.Delete)
			r.Get("/appliances", deps.Accounts.Appliances)
			r.Put("/appliances/{applianceID}/state", deps.Accounts.SetApplianceState)
			r.Get("/transactions", deps.Accounts.Transactions)
			r.Post("/fund", deps.Funding.Fund)
			r.Post("/borrow", deps.Funding.Borrow)
			r.Post("/withdraw", deps.Funding.Withdraw)
		})
	})

	return r
}
