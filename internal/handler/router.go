package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/exampool-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса экзаменационных пулов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/student/register", h.Register)
		r.Post("/student/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/student/wallet", h.GetBalance)
			r.Post("/student/wallet/topup", h.TopUp)
			r.Get("/student/wallet/transactions", h.GetTransactions)
			r.Get("/student/memberships", h.GetMemberships)

			r.Get("/pools", h.GetPools)
			r.Post("/pools/{poolID}/join", h.JoinPool)
			r.Delete("/pools/{poolID}/membership", h.CancelMembership)

			r.Route("/staff", func(r chi.Router) {
				r.Use(h.authMiddleware.RequireStaff)

				r.Post("/pools", h.CreatePool)
				r.Post("/pools/{poolID}/confirm", h.poolAction(h.service.ConfirmPool))
				r.Post("/pools/{poolID}/fail", h.poolAction(h.service.FailPool))
				r.Post("/pools/{poolID}/cancel", h.poolAction(h.service.CancelPool))
				r.Post("/pools/{poolID}/lock", h.poolAction(h.service.LockPool))
				r.Post("/pools/{poolID}/unlock", h.poolAction(h.service.UnlockPool))
				r.Post("/pools/{poolID}/complete", h.poolAction(h.service.CompletePool))
				r.Post("/pools/{poolID}/recalculate", h.RecalculateCount)
				r.Get("/pools/merge-candidates", h.GetMergeCandidates)
				r.Post("/pools/merge", h.MergePools)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
