package api

import (
	"encoding/json"
	"net/http"

	"github.com/zootalk/zootalk/assistant-engine/internal/api/handlers"
	"github.com/zootalk/zootalk/assistant-engine/internal/api/middleware"
	"github.com/zootalk/zootalk/assistant-engine/internal/auth"
	"github.com/zootalk/zootalk/assistant-engine/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain *auth.ProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Auth(chain))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Assistants
		r.Route("/assistants", func(r chi.Router) {
			r.Post("/", h.CreateAssistant)
			r.Route("/{assistantID}", func(r chi.Router) {
				r.Get("/", h.GetAssistant)
				r.Put("/", h.UpdateAssistant)
				r.Delete("/", h.DeleteAssistant)
				r.Post("/promote", h.PromoteSandbox)

				// Knowledge file linkage
				r.Route("/knowledge", func(r chi.Router) {
					r.Post("/", h.LinkKnowledgeFile)
					r.Delete("/{fileRef}", h.UnlinkKnowledgeFile)
				})
			})
		})

		// Per-animal views
		r.Route("/animals/{animalID}/assistants", func(r chi.Router) {
			r.Get("/", h.ListAssistantsByAnimal)
			r.Get("/live", h.GetLiveAssistant)
		})

		// Reference data (standalone deployments only)
		if h.Refs != nil {
			r.Route("/reference", func(r chi.Router) {
				r.Get("/personalities", h.ListPersonalities)
				r.Post("/personalities", h.CreatePersonality)
				r.Get("/guardrails", h.ListGuardrails)
				r.Post("/guardrails", h.CreateGuardrail)
				r.Post("/animals", h.CreateAnimal)
			})
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "zootalk-assistant-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "zootalk-assistant-engine",
		})
	}
}
