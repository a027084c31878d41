package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-governance/internal/console/handler"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	checkpointHandler *handler.CheckpointHandler // /v1/checkpoints (Decision Queue)
	budgetHandler     *handler.BudgetHandler     // /v1/budgets, /v1/transfers, /v1/transactions
	ruleHandler       *handler.RuleHandler       // /v1/rules, /v1/violations
	auditHandler      *handler.AuditHandler      // /v1/audit, /v1/snapshot
}

// NewConsoleServer инициализирует сервер консоли со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	checkpointH *handler.CheckpointHandler,
	budgetH *handler.BudgetHandler,
	ruleH *handler.RuleHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:            chi.NewRouter(),
		logger:            logger.Named("console-api"),
		authValidator:     validator,
		checkpointHandler: checkpointH,
		budgetHandler:     budgetH,
		ruleHandler:       ruleH,
		auditHandler:      auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		admin := auth.RequireScope(domain.ScopeAdmin)
		approver := auth.RequireScope(domain.ScopeApprover)

		// Human-in-the-loop (Decision Queue)
		r.Route("/v1/checkpoints", func(r chi.Router) {
			r.Get("/", s.checkpointHandler.List)
			r.Post("/", s.checkpointHandler.Create)
			r.Get("/metrics", s.checkpointHandler.Metrics)
			r.With(approver).Post("/batch/approve", s.checkpointHandler.BatchApprove)
			r.With(approver).Post("/batch/reject", s.checkpointHandler.BatchReject)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.checkpointHandler.GetDetails)
				r.With(approver).Post("/approve", s.checkpointHandler.Approve)
				r.With(approver).Post("/reject", s.checkpointHandler.Reject)
			})
		})

		// Token Ledger
		r.Route("/v1/budgets", func(r chi.Router) {
			r.Get("/", s.budgetHandler.List)
			r.With(admin).Post("/", s.budgetHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.budgetHandler.Get)
				r.With(admin).Delete("/", s.budgetHandler.Delete)
				r.Get("/can-consume", s.budgetHandler.CanConsume)
				r.Get("/analytics", s.budgetHandler.Analytics)

				// Движение токенов: агенты и workflow
				r.Post("/consume", s.budgetHandler.Consume)
				r.Post("/reserve", s.budgetHandler.Reserve)
				r.Post("/release", s.budgetHandler.Release)
				r.Post("/refund", s.budgetHandler.Refund)
				r.Post("/request-increase", s.budgetHandler.RequestIncrease)

				// Администрирование (Kill-switch, выделение)
				r.With(admin).Post("/allocate", s.budgetHandler.Allocate)
				r.With(admin).Post("/bonus", s.budgetHandler.Bonus)
				r.With(admin).Post("/lock", s.budgetHandler.Lock)
				r.With(admin).Post("/unlock", s.budgetHandler.Unlock)
				r.With(admin).Post("/activate", s.budgetHandler.Activate)
				r.With(admin).Post("/deactivate", s.budgetHandler.Deactivate)
			})
		})
		r.With(admin).Post("/v1/transfers", s.budgetHandler.Transfer)
		r.Get("/v1/transactions", s.budgetHandler.Transactions)
		r.Get("/v1/balance/{owner}", s.budgetHandler.Balance)

		// Rule Engine
		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.ruleHandler.List)
			r.Post("/check", s.ruleHandler.Check)
			r.With(admin).Post("/", s.ruleHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.ruleHandler.Get)
				r.With(admin).Put("/", s.ruleHandler.Update)
				r.With(admin).Delete("/", s.ruleHandler.Delete)
			})
		})
		r.Get("/v1/violations", s.ruleHandler.Violations)
		r.With(admin).Post("/v1/violations/{id}/resolve", s.ruleHandler.ResolveViolation)

		// Аудит и экспорт (Compliance)
		r.Get("/v1/audit", s.auditHandler.GetLogs)
		r.Get("/v1/audit/export", s.auditHandler.Export)
		r.With(admin).Get("/v1/snapshot", s.auditHandler.Snapshot)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
