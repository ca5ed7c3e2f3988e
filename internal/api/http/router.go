package http

import (
	"os"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"

	"manifold/internal/api/http/events"
	"manifold/internal/api/http/logger"
	"manifold/internal/core/reconciler"
)

func NewApiRouter(controller reconciler.ControllerHandler, configPath string) *chi.Mux {
	r := chi.NewRouter()
	handler := NewRequestHandler(controller, configPath)
	eventsHandler := events.NewRequestHandler(controller)

	hostname, _ := os.Hostname()
	audit := logger.JsonLineLogger{Out: os.Stdout}

	// middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.LoggerMiddleware(audit, "manifold", hostname))

	// == v1 ==
	// == topology ==
	r.Get("/v1/topology", handler.ShowTopology)   // desired topology
	r.Post("/v1/reload", handler.ReloadTopology)  // re-read manifest from disk

	// == services ==
	r.Get("/v1/services", handler.ListServiceStatus)           // all service status
	r.Get("/v1/services/{service}", handler.ShowServiceStatus) // one service status

	// == events ==
	r.Get("/v1/events", eventsHandler.ServeHTTP) // websocket phase transitions

	return r
}
