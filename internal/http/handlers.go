package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/session"
)

// LocationPublisher forwards driver pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Options struct {
	Coordinator *coordinator.Coordinator
	Geo         geo.Geo
	Locations   LocationPublisher // optional
	Sessions    *session.Registry
	Logger      *slog.Logger
	WSWriteWait time.Duration
	WSPongWait  time.Duration
}

type Server struct {
	coord     *coordinator.Coordinator
	geo       geo.Geo
	locations LocationPublisher
	sessions  *session.Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:     opts.Coordinator,
		geo:       opts.Geo,
		locations: opts.Locations,
		sessions:  opts.Sessions,
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		writeWait: opts.WSWriteWait,
		pongWait:  opts.WSPongWait,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1/rides").Subrouter()
	api.HandleFunc("", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/{ride_id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/{ride_id}/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/{ride_id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/{ride_id}/stops/{index:[0-9]+}/arrive", s.handleArrive).Methods("POST")
	api.HandleFunc("/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/{ride_id}/stops/{index:[0-9]+}/complete", s.handleCompleteStop).Methods("POST")
	api.HandleFunc("/{ride_id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{kind}/{participant_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" || !d.Loc.Valid() {
		writeError(w, http.StatusBadRequest, "driver id and a valid location are required")
		return
	}
	d.Online = true
	// publish to kafka if configured
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish driver location failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.geo.Upsert(r.Context(), d); err != nil {
		s.logger.Error("geo upsert failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type rideRequestBody struct {
	Mode          models.Mode         `json:"mode"`
	VehicleClass  models.VehicleClass `json:"vehicle_class"`
	RequestedFare *int64              `json:"requested_fare,omitempty"`
	Legs          []models.Leg        `json:"legs"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Mode == "" {
		body.Mode = models.ModeSolo
	}
	res, err := s.coord.RequestRide(r.Context(), models.RideRequest{
		Mode:          body.Mode,
		VehicleClass:  body.VehicleClass,
		RequestedFare: body.RequestedFare,
		Legs:          body.Legs,
	})
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.coord.GetRide(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	list, err := s.coord.ListOffers(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": list})
}

type offerBody struct {
	CounterFare int64        `json:"counter_fare"`
	Location    models.Coord `json:"location"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body offerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.coord.SubmitOffer(r.Context(), mux.Vars(r)["ride_id"], actor, body.CounterFare, body.Location)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	ride, err := s.coord.AcceptOffer(r.Context(), vars["ride_id"], vars["offer_id"], actor)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.stopAction(w, r, s.coord.DriverArrived)
}

func (s *Server) handleCompleteStop(w http.ResponseWriter, r *http.Request) {
	s.stopAction(w, r, s.coord.CompleteStop)
}

type stopFunc func(ctx context.Context, rideID string, stop int, actor models.Actor) (*models.RideAggregate, error)

func (s *Server) stopAction(w http.ResponseWriter, r *http.Request, fn stopFunc) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stop index")
		return
	}
	ride, err := fn(r.Context(), vars["ride_id"], idx, actor)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	ride, err := s.coord.StartRide(r.Context(), mux.Vars(r)["ride_id"], actor)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	ride, err := s.coord.Cancel(r.Context(), mux.Vars(r)["ride_id"], actor, body.Reason)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["participant_id"]
	kind := models.ParticipantKind(vars["kind"])
	if kind != models.KindDriver && kind != models.KindPassenger {
		writeError(w, http.StatusBadRequest, "kind must be driver or passenger")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "participant_id", id, "error", err)
		return
	}
	ch := session.NewWSChannel(conn, s.writeWait)
	s.sessions.Register(id, kind, ch)
	observability.SessionsConnected.Set(float64(s.sessions.Len()))
	s.logger.Info("session connected", "participant_id", id, "kind", kind)

	err = ch.Serve(r.Context(), s.pongWait, func([]byte) { s.sessions.Touch(id) })
	s.sessions.Release(id, ch)
	observability.SessionsConnected.Set(float64(s.sessions.Len()))
	s.logger.Info("session closed", "participant_id", id, "kind", kind, "error", err)
}

const (
	actorIDHeader   = "X-Actor-ID"
	actorKindHeader = "X-Actor-Kind"
)

// actorFrom reads the calling participant. Authentication happens upstream;
// these headers are set by the gateway.
func actorFrom(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a := models.Actor{ID: r.Header.Get(actorIDHeader), Kind: models.ParticipantKind(r.Header.Get(actorKindHeader))}
	if a.ID == "" || (a.Kind != models.KindDriver && a.Kind != models.KindPassenger) {
		writeError(w, http.StatusBadRequest, "missing or invalid actor headers")
		return models.Actor{}, false
	}
	return a, true
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
