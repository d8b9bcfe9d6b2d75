// Package api exposes the local management surface of the bridge: device
// status, manual session operations and the poll round journal.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Unlocker/ecomkassa-frws/internal/core"
	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
	"github.com/Unlocker/ecomkassa-frws/internal/settings"
)

// DeviceGetter hands out the active device gateway. Indirection lets a
// settings reload swap the device under a running server.
type DeviceGetter func() fiscal.Gateway

// RoundReader serves journal queries. Satisfied by core.RoundStore.
type RoundReader interface {
	RecentForMachine(ccmID string, limit int) ([]core.RoundRecord, error)
}

// GovernorStats exposes backend circuit state. Satisfied by
// core.PollGovernor.
type GovernorStats interface {
	GetStats() map[string]interface{}
}

// Server handles HTTP requests from operators and diagnostics tooling.
type Server struct {
	*http.Server
	Logger          *log.Logger
	SettingsManager *settings.Manager
	GetDevice       DeviceGetter
	Rounds          RoundReader
	Governor        GovernorStats
}

// NewServer creates and configures the management server.
func NewServer(addr string, logger *log.Logger, sm *settings.Manager, getDevice DeviceGetter, rounds RoundReader, governor GovernorStats) *Server {
	s := &Server{
		Logger:          logger,
		SettingsManager: sm,
		GetDevice:       getDevice,
		Rounds:          rounds,
		Governor:        governor,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Route("/frws", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Post("/management/open", s.managementHandler("open"))
		r.Post("/management/close", s.managementHandler("close"))
		r.Post("/management/closeArchive", s.managementHandler("closeArchive"))
		r.Post("/management/cancel", s.managementHandler("cancel"))
		r.Post("/management/continue", s.continueHandler)
		r.Get("/document/{documentNumber}", s.documentHandler)
		r.Post("/fiscalize", s.fiscalizeHandler)
		r.Get("/backend/status", s.backendStatusHandler)
		r.Get("/rounds", s.roundsHandler)
	})

	s.Server = &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting management server on %s", s.Addr)
	return s.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Infof("Shutting down management server")
	return s.Shutdown(ctx)
}
