package core

import "time"

type EventType string

const (
	EventResourceCreated         EventType = "resource.created"
	EventReservationSubmitted    EventType = "reservation.submitted"
	EventReservationAccepted     EventType = "reservation.accepted"
	EventReservationRejected     EventType = "reservation.rejected"
	EventReservationAutoRejected EventType = "reservation.auto_rejected"
	EventReservationCancelled    EventType = "reservation.cancelled"
	EventReservationConverted    EventType = "reservation.converted"
	EventReservationExpired      EventType = "reservation.expired"
)

// AutoRejectMessage is attached to reservations rejected by the scheduler
// because an overlapping sibling was accepted.
const AutoRejectMessage = "automatically rejected: an overlapping reservation for this resource was accepted"

// Resource is something that can be reserved for an interval of days.
type Resource struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Reservation is a bid by a requester to use a resource for an interval at a
// proposed amount.
type Reservation struct {
	ID               string     `json:"id"`
	ResourceID       string     `json:"resource_id"`
	RequesterID      string     `json:"requester_id"`
	OwnerID          string     `json:"owner_id"`
	Interval         Interval   `json:"interval"`
	Amount           float64    `json:"amount"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	RequesterMessage string     `json:"requester_message,omitempty"`
	ResponderMessage string     `json:"responder_message,omitempty"`
	AutoRejected     bool       `json:"auto_rejected,omitempty"`
}

// IsActive reports whether the reservation still blocks its interval.
func (r Reservation) IsActive() bool {
	return r.Status.IsActive()
}

// ReservationEvent is broadcast to the requester and owner whenever a
// reservation changes state.
type ReservationEvent struct {
	Type        EventType   `json:"type"`
	Reservation Reservation `json:"reservation"`
	CreatedAt   time.Time   `json:"created_at"`
}
