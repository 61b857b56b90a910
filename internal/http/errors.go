package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/fare"
	"github.com/example/ride-coordinator/internal/offers"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/sequencer"
)

var errInternal = errors.New("internal error")

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ride.ErrInvalidLegs),
		errors.Is(err, fare.ErrUnknownClass),
		errors.Is(err, offers.ErrInvalidOffer),
		errors.Is(err, sequencer.ErrInsufficientWaypoints):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotParticipant),
		errors.Is(err, offers.ErrNotCandidate):
		return http.StatusForbidden
	case errors.Is(err, ride.ErrNotFound),
		errors.Is(err, offers.ErrRoundNotFound),
		errors.Is(err, offers.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, ride.ErrIllegalTransition),
		errors.Is(err, ride.ErrOutOfOrderStop),
		errors.Is(err, offers.ErrRoundClosed),
		errors.Is(err, offers.ErrRoundAlreadyClosed),
		errors.Is(err, offers.ErrAlreadyAccepted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeRideError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, errInternal.Error())
		return
	}
	writeError(w, status, err.Error())
}
