package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Unlocker/ecomkassa-frws/internal/fiscal"
)

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	st, err := s.GetDevice().Status()
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// managementHandler serves the manual session operations. They all take no
// body and answer with a fresh status snapshot.
func (s *Server) managementHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		device := s.GetDevice()
		var (
			st  *fiscal.StatusResult
			err error
		)
		switch op {
		case "open":
			st, err = device.OpenSession()
		case "close":
			st, err = device.CloseSession()
		case "closeArchive":
			st, err = device.CloseArchive()
		case "cancel":
			st, err = device.CancelCheck()
		}
		if err != nil {
			s.Logger.Warningf("Management operation %s failed: %v", op, err)
			s.writeDeviceError(w, err)
			return
		}
		s.Logger.Infof("Management operation %s completed", op)
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) continueHandler(w http.ResponseWriter, _ *http.Request) {
	printer, ok := s.GetDevice().(fiscal.ContinuePrinter)
	if !ok {
		s.writeDeviceError(w, &fiscal.UnsupportedError{Op: "continuePrint"})
		return
	}
	st, err := printer.ContinuePrint()
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) documentHandler(w http.ResponseWriter, r *http.Request) {
	documentNumber := chi.URLParam(r, "documentNumber")
	if documentNumber == "" {
		http.Error(w, "documentNumber required", http.StatusBadRequest)
		return
	}
	res, err := s.GetDevice().SelectDoc(documentNumber)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fiscalizeHandler passes an arbitrary document through to the device and
// relays whatever the device answered.
func (s *Server) fiscalizeHandler(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	raw, err := s.GetDevice().Fiscalize(data)
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	if json.Valid([]byte(raw)) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(raw))
}

func (s *Server) backendStatusHandler(w http.ResponseWriter, _ *http.Request) {
	if s.Governor == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.Governor.GetStats())
}

func (s *Server) roundsHandler(w http.ResponseWriter, r *http.Request) {
	ccmID := strings.TrimSpace(r.URL.Query().Get("ccmID"))
	if ccmID == "" {
		http.Error(w, "ccmID parameter required", http.StatusBadRequest)
		return
	}
	if s.Rounds == nil {
		http.Error(w, "round journal disabled", http.StatusNotFound)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := s.Rounds.RecentForMachine(ccmID, limit)
	if err != nil {
		s.Logger.Errorf("Round journal query for machine %s failed: %v", ccmID, err)
		http.Error(w, "journal read error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// writeDeviceError maps the failure taxonomy onto HTTP codes: operations a
// device cannot do are 501, structured device refusals are 422 with the
// device's own code and message, transport trouble is 502.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	var unsupported *fiscal.UnsupportedError
	if errors.As(err, &unsupported) {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": unsupported.Error()})
		return
	}
	var ferr *fiscal.Error
	if errors.As(err, &ferr) {
		writeJSON(w, http.StatusUnprocessableEntity, ferr)
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
