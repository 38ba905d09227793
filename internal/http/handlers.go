package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-relay/internal/dispatch"
	"github.com/example/ride-relay/internal/fleet"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/storage"
	"github.com/example/ride-relay/internal/tracking"
)

type Server struct {
	Fleet    *fleet.Fleet
	Tracking *tracking.Manager
	WSReg    *dispatch.WSRegistry
	Store    storage.DriverStore
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(f *fleet.Fleet, tr *tracking.Manager, ws *dispatch.WSRegistry, store storage.DriverStore, logger *slog.Logger) *Server {
	s := &Server{
		Fleet:    f,
		Tracking: tr,
		WSReg:    ws,
		Store:    store,
		logger:   logging.Component(logger, "http"),
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings/release", s.handleRelease).Methods("POST")
	api.HandleFunc("/bookings/{code}", s.handleTrack).Methods("GET")
	api.HandleFunc("/riders/reconnect", s.handleRiderReconnect).Methods("POST")
	api.HandleFunc("/drivers", s.handleListDrivers).Methods("GET")
	api.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods("POST")
	api.HandleFunc("/drivers/{id}/bookings", s.handleClearDriver).Methods("DELETE")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	s.WSReg.Serve(conn, s.handleMessage, s.handleClose)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		http.Error(w, "store not ready", 503)
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

type releaseRequest struct {
	BookingCode string `json:"bookingCode"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	b, err := s.Fleet.Release(req.BookingCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"driverId":    b.DriverID,
		"slot":        b.Slot,
		"riderId":     b.RiderID,
		"bookingCode": b.BookingCode,
		"status":      models.StatusReleased,
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	res, err := s.Tracking.Query(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

type reconnectRequest struct {
	DriverID    string `json:"driverId"`
	BookingCode string `json:"bookingCode"`
}

// handleRiderReconnect lets a rider that lost its session recover the
// booking it holds, provided it still knows both the driver and the code.
func (s *Server) handleRiderReconnect(w http.ResponseWriter, r *http.Request) {
	var req reconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.DriverID == "" || req.BookingCode == "" {
		http.Error(w, "driverId and bookingCode required", 400)
		return
	}
	res, err := s.Tracking.Query(r.Context(), req.BookingCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.DriverID != req.DriverID {
		s.writeError(w, models.ErrBookingNotFound)
		return
	}
	writeJSON(w, 200, res)
}

// handleListDrivers serves the same sanitized view as updateDrivers. With
// source=store it reads the durable records instead of live memory.
func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("source") != "store" {
		writeJSON(w, 200, s.Fleet.Snapshot())
		return
	}
	var filter storage.Filter
	if v := q.Get("online"); v != "" {
		online, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "online must be a boolean", 400)
			return
		}
		filter.Online = &online
	}
	recs, err := s.Store.ListDrivers(r.Context(), filter)
	if err != nil {
		s.logger.Warn("list drivers failed", slog.Any("err", err))
		http.Error(w, models.ErrPersistenceUnavailable.Error(), 503)
		return
	}
	out := make(map[string]models.DriverView, len(recs))
	for _, rec := range recs {
		out[rec.ID] = fleet.ViewOf(rec)
	}
	writeJSON(w, 200, out)
}

type onlineRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "online required", 400)
		return
	}
	if err := s.Fleet.SetOnline(mux.Vars(r)["id"], *req.Online); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleClearDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cleared, err := s.Fleet.ClearDriver(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	slots := make([]int, 0, len(cleared))
	for _, b := range cleared {
		slots = append(slots, b.Slot)
	}
	writeJSON(w, 200, map[string]any{"driverId": id, "clearedSlots": slots})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, models.ErrBookingNotFound), errors.Is(err, models.ErrDriverNotFound):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, models.ErrPersistenceUnavailable):
		s.logger.Warn("store unavailable", slog.Any("err", err))
		http.Error(w, models.ErrPersistenceUnavailable.Error(), 503)
	default:
		s.logger.Error("request failed", slog.Any("err", err))
		http.Error(w, "internal error", 500)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
