package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, auth *ActorAuth) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)
	r.Use(auth.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/escrows", func(r chi.Router) {
		r.Post("/", handler.CreateEscrow)
		r.Get("/", handler.ListByParty)
		r.Get("/{escrowId}", handler.GetEscrow)
		r.Get("/{escrowId}/events", handler.ListEvents)
		r.Get("/{escrowId}/payouts", handler.ListPayouts)
		r.Post("/{escrowId}/fund", handler.Fund)
		r.Post("/{escrowId}/deliver", handler.Deliver)
		r.Post("/{escrowId}/accept", handler.Accept)
		r.Post("/{escrowId}/dispute", handler.Dispute)
		r.Post("/{escrowId}/resolve", handler.Resolve)
		r.Post("/{escrowId}/reclaim", handler.ReclaimExpired)
		r.Post("/{escrowId}/claim", handler.ClaimByTimeout)
	})
	r.Get("/stats", handler.Stats)

	return &Server{Router: r}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-Address")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
