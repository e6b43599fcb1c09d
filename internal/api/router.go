package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/podushkina/bidparse/internal/task"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ZerologLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/base_tasks", h.Submit(task.FamilyBase))
		r.Get("/base_results", h.Result(task.FamilyBase))

		r.Post("/business_score_tasks", h.Submit(task.FamilyScore))
		r.Get("/business_score_results", h.Result(task.FamilyScore))

		r.Get("/tasks/{family}/{taskID}", h.GetTask)
	})

	r.Post("/bidAnalysis/bidCatalogue", h.Submit(task.FamilyCatalogue))
	r.Get("/bidAnalysis/bidCatalogue/result", h.Result(task.FamilyCatalogue))

	return r
}
