package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the coordinate was left unset.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Mode string

const (
	ModeSolo   Mode = "solo"
	ModeShared Mode = "shared"
)

type VehicleClass string

const (
	VehicleEconomy VehicleClass = "economy"
	VehicleComfort VehicleClass = "comfort"
	VehicleXL      VehicleClass = "xl"
)

type ParticipantKind string

const (
	KindDriver    ParticipantKind = "driver"
	KindPassenger ParticipantKind = "passenger"
	KindSystem    ParticipantKind = "system"
)

// Actor identifies who triggered a change. Timers act as SystemActor.
type Actor struct {
	ID   string          `json:"id"`
	Kind ParticipantKind `json:"kind"`
}

var SystemActor = Actor{ID: "system", Kind: KindSystem}

// Leg is one passenger's pickup/drop-off pair.
type Leg struct {
	PassengerID string    `json:"passenger_id"`
	Pickup      Place     `json:"pickup"`
	Dropoff     Place     `json:"dropoff"`
	RequestedAt time.Time `json:"requested_at"`
}

type RideRequest struct {
	ID            string       `json:"id"`
	Mode          Mode         `json:"mode"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	RequestedFare *int64       `json:"requested_fare,omitempty"`
	Legs          []Leg        `json:"legs"`
	CreatedAt     time.Time    `json:"created_at"`
}

// RequesterID is the passenger who decides on offers: the first leg's passenger.
func (r RideRequest) RequesterID() string {
	if len(r.Legs) == 0 {
		return ""
	}
	return r.Legs[0].PassengerID
}

// PassengerIDs lists every passenger on the request in leg order.
func (r RideRequest) PassengerIDs() []string {
	out := make([]string, 0, len(r.Legs))
	for _, l := range r.Legs {
		out = append(out, l.PassengerID)
	}
	return out
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferClosed   OfferStatus = "closed"
)

type Offer struct {
	ID          string      `json:"id"`
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	CounterFare int64       `json:"counter_fare"`
	Location    Coord       `json:"location"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Status      OfferStatus `json:"status"`
}

type StopType string

const (
	StopPickup  StopType = "pickup"
	StopDropoff StopType = "dropoff"
)

type Stop struct {
	Type        StopType `json:"type"`
	PassengerID string   `json:"passenger_id"`
	Place       Place    `json:"place"`
	FareShare   int64    `json:"fare_share"`
	Index       int      `json:"index"`
	Arrived     bool     `json:"arrived"`
	Completed   bool     `json:"completed"`
}

type State string

const (
	StateRequested     State = "requested"
	StateOffered       State = "offered"
	StateAccepted      State = "accepted"
	StateDriverEnroute State = "driver_enroute"
	StateReadyToStart  State = "ready_to_start"
	StateInProgress    State = "in_progress"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// Matching reports whether the ride still has an open offer round.
func (s State) Matching() bool { return s == StateRequested || s == StateOffered }

// Cancellation reasons surfaced to participants.
const (
	ReasonNoDriversAvailable = "no_drivers_available"
	ReasonRequestExpired     = "request_expired"
	ReasonDriverLost         = "driver_lost"
	ReasonPassengerCancelled = "passenger_cancelled"
	ReasonDriverCancelled    = "driver_cancelled"
	ReasonAcceptFailed       = "accept_failed"
)

// RideAggregate is the ride after (and while) matching. Only the ride state
// machine mutates it; everyone else receives copies.
type RideAggregate struct {
	ID            string      `json:"id"`
	Request       RideRequest `json:"request"`
	DriverID      string      `json:"driver_id,omitempty"`
	Stops         []Stop      `json:"stops,omitempty"`
	State         State       `json:"state"`
	EstimatedFare int64       `json:"estimated_fare"`
	TotalFare     int64       `json:"total_fare"`
	Version       int         `json:"version"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
	CancelledBy   string      `json:"cancelled_by,omitempty"`
	PaymentRef    string      `json:"-"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *RideAggregate) Clone() *RideAggregate {
	cp := *r
	cp.Request.Legs = append([]Leg(nil), r.Request.Legs...)
	if r.Request.RequestedFare != nil {
		f := *r.Request.RequestedFare
		cp.Request.RequestedFare = &f
	}
	cp.Stops = append([]Stop(nil), r.Stops...)
	return &cp
}

// Participants returns the driver (when assigned) followed by the passengers.
func (r *RideAggregate) Participants() []string {
	out := make([]string, 0, len(r.Request.Legs)+1)
	if r.DriverID != "" {
		out = append(out, r.DriverID)
	}
	return append(out, r.Request.PassengerIDs()...)
}

// Outgoing event types delivered over participant channels.
const (
	EventRideRequested      = "ride_requested"
	EventOfferReceived      = "offer_received"
	EventRideConfirmed      = "ride_confirmed"
	EventRideUnavailable    = "ride_unavailable"
	EventRideAccepted       = "ride_accepted"
	EventDriverArrived      = "driver_arrived"
	EventReadyToStart       = "ready_to_start"
	EventRideStarted        = "ride_started"
	EventStopCompleted      = "stop_completed"
	EventRideCompleted      = "ride_completed"
	EventRideCancelled      = "ride_cancelled"
	EventNoDriversAvailable = "no_drivers_available"
)

// RideEvent is a lifecycle notification emitted by a state change.
type RideEvent struct {
	Type      string    `json:"type"`
	RideID    string    `json:"ride_id"`
	State     State     `json:"state"`
	StopIndex *int      `json:"stop_index,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Version   int       `json:"version"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}
