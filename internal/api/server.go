package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/core"
)

// Server is the REST surface over the engine.
type Server struct {
	engine *core.Engine
	cfg    *config.Manager
	log    *logrus.Entry
	http   *http.Server
}

// NewServer builds the server. Start binds per the api configuration
// section.
func NewServer(engine *core.Engine, cfg *config.Manager) *Server {
	return &Server{
		engine: engine,
		cfg:    cfg,
		log:    logrus.WithField("component", "api"),
	}
}

// Router builds the chi router. Exposed so tests can drive handlers through
// httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.listDevices)
			r.Post("/", s.configureDevice)
			r.Get("/{mac}", s.getDevice)
			r.Patch("/{mac}", s.patchDevice)
			r.Delete("/{mac}", s.deleteDevice)
		})
		r.Route("/vehicles", func(r chi.Router) {
			r.Get("/", s.listVehicles)
			r.Post("/", s.createVehicle)
			r.Get("/{id}", s.getVehicle)
			r.Patch("/{id}", s.patchVehicle)
			r.Delete("/{id}", s.deleteVehicle)
		})
		r.Route("/readings", func(r chi.Router) {
			r.Get("/{mac}", s.recentReadings)
			r.Get("/{mac}/latest", s.latestReading)
		})
		r.Route("/system", func(r chi.Router) {
			r.Get("/config", s.getConfig)
			r.Patch("/config", s.patchConfig)
			r.Get("/status", s.systemStatus)
			r.Get("/health", s.systemHealth)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.System().API
	if !apiCfg.Enabled {
		s.log.Info("api disabled")
		<-ctx.Done()
		return nil
	}

	addr := fmt.Sprintf("%s:%d", apiCfg.Host, apiCfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("api listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
