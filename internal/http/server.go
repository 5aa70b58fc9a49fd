package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"PayLinkRelay/internal/logging"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(handler.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/gasless-create", handler.CreateBill)
	r.Get("/gasless-create", handler.probe("Gasless Create Bill API"))
	r.Post("/gasless-payment", handler.PayBill)
	r.Get("/gasless-payment", handler.probe("Gasless Payment API"))

	r.Get("/bills/{billId}", handler.GetBill)
	r.Get("/nonces/{account}", handler.GetNonce)

	return &Server{Router: r}
}
