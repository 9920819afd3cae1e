// Package api is the remote control surface: an HTTP API over the
// coordinator, plus the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/zemo/internal/coordinator"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/sensor"
	"github.com/gorilla/mux"
)

const readHeaderTimeout = 5 * time.Second

// Controller is the part of the coordinator the API drives.
type Controller interface {
	State() coordinator.State
	RunCycle(ctx context.Context) (*coordinator.Report, error)
	ReadSensor(ctx context.Context, kind sensor.Kind) (coordinator.SensorResult, error)
	Calibrate(ctx context.Context, kind sensor.Kind) (coordinator.SensorResult, error)
	RefreshSensors(ctx context.Context) error
	DeleteHistory(ctx context.Context) error
}

// Exporter writes a sensor's reading history as CSV.
type Exporter interface {
	ExportCSV(ctx context.Context, kind sensor.Kind, w io.Writer) error
}

type Server struct {
	httpServer *http.Server
	ctrl       Controller
	history    Exporter
	log        logger.Logger
}

// New creates a Server. history and metrics may be nil, which disables the
// log export and the scrape endpoint.
func New(addr string, ctrl Controller, history Exporter, metrics http.Handler) *Server {
	s := &Server{
		ctrl:    ctrl,
		history: history,
		log:     logger.With("api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/cycles", s.postCycle).Methods(http.MethodPost)
	r.HandleFunc("/sensors/refresh", s.postRefresh).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{kind}/read", s.postRead).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{kind}/calibrate", s.postCalibrate).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{kind}/log", s.getLog).Methods(http.MethodGet)
	r.HandleFunc("/history", s.deleteHistory).Methods(http.MethodDelete)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Sampling    bool                       `json:"sampling"`
	Armed       bool                       `json:"armed"`
	RearmAt     *int                       `json:"rearm_at"`
	ReadsPerDay int                        `json:"reads_per_day"`
	DaysToKeep  int                        `json:"days_to_keep"`
	Slots       []string                   `json:"slots"`
	NextRead    time.Time                  `json:"next_read"`
	Sensors     []coordinator.SensorStatus `json:"sensors"`
	LastCycle   *coordinator.Report        `json:"last_cycle,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.State()

	resp := statusResponse{
		Sampling:    st.Sampling,
		Armed:       st.Armed,
		ReadsPerDay: st.ReadsPerDay,
		DaysToKeep:  st.DaysToKeep,
		Slots:       make([]string, 0, len(st.Slots)),
		NextRead:    st.NextRead,
		Sensors:     st.Sensors,
		LastCycle:   st.LastCycle,
	}
	if st.RearmAt >= 0 {
		resp.RearmAt = &st.RearmAt
	}
	for _, slot := range st.Slots {
		resp.Slots = append(resp.Slots, slot.String())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.RunCycle(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) postRead(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	res, err := s.ctrl.ReadSensor(r.Context(), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postCalibrate(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	res, err := s.ctrl.Calibrate(r.Context(), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RefreshSensors(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteHistory(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		s.writeError(w, errors.New().New(errors.ErrNotImplemented))
		return
	}

	fileName := sensor.LogFileName("", kind)
	for _, st := range s.ctrl.State().Sensors {
		if st.Sensor == kind {
			fileName = st.LogFile
		}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fileName+`"`)
	if err := s.history.ExportCSV(r.Context(), kind, w); err != nil {
		// Headers are gone once the body has started.
		s.log.LogError(err)
	}
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (sensor.Kind, bool) {
	name := mux.Vars(r)["kind"]
	kind, ok := sensor.ParseKind(name)
	if !ok {
		s.writeError(w, errors.New().WithData(coordinator.ErrUnknownSensor, name))
		return "", false
	}
	return kind, true
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.HasCode(err, errors.ErrResourceBusy):
		status = http.StatusConflict
	case errors.HasCode(err, coordinator.ErrUnknownSensor):
		status = http.StatusNotFound
	case errors.HasCode(err, errors.ErrNotImplemented):
		status = http.StatusNotImplemented
	case errors.HasCode(err, sensor.ErrReadFailed),
		errors.HasCode(err, sensor.ErrCalibrationFailed),
		errors.HasCode(err, coordinator.ErrInvalidReading):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.LogError(err)
	}

	writeJSON(w, status, errorResponse{
		Code:  string(errors.CodeOf(err)),
		Error: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
