// Package scheduler books resources for date intervals on top of the record
// store. It guarantees that no two accepted reservations of a resource
// overlap: bids that intersect an active reservation are refused, and
// accepting a bid rejects every overlapping pending sibling in the same
// transaction.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/metrics"
	"github.com/mistakeknot/interlease/internal/storage"
)

// Config bounds what a bid may ask for.
type Config struct {
	MaxAmount     float64
	MaxMessageLen int
	MaxSpanDays   int
	// Location decides which civil date "today" is.
	Location *time.Location
	Now      func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxAmount:     1_000_000,
		MaxMessageLen: 2000,
		MaxSpanDays:   90,
		Location:      time.UTC,
		Now:           time.Now,
	}
}

// Broadcaster delivers reservation events to a user's subscribers.
type Broadcaster interface {
	Broadcast(userID string, event any)
}

type Option func(*Scheduler)

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

type Scheduler struct {
	store storage.Store
	cfg   Config
	bus   Broadcaster
	log   *slog.Logger
}

func New(store storage.Store, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = def.MaxAmount
	}
	if cfg.MaxSpanDays <= 0 {
		cfg.MaxSpanDays = def.MaxSpanDays
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	s := &Scheduler{store: store, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BidRequest asks for a resource over Interval at Amount.
type BidRequest struct {
	ResourceID  string
	RequesterID string
	Interval    core.Interval
	Amount      float64
	Message     string
}

// DecideRequest is the owner's answer to a pending bid.
type DecideRequest struct {
	ReservationID string
	OwnerID       string
	Decision      core.Status
	Message       string
}

// DecideResult is the decided reservation and any siblings rejected with it.
type DecideResult struct {
	Reservation  core.Reservation   `json:"reservation"`
	AutoRejected []core.Reservation `json:"auto_rejected"`
}

func (s *Scheduler) now() time.Time {
	return s.cfg.Now().UTC()
}

func (s *Scheduler) CreateResource(ctx context.Context, ownerID, title string) (core.Resource, error) {
	var vs core.Violations
	if strings.TrimSpace(ownerID) == "" {
		vs.Add("owner_id", RuleRequired, "owner id is required")
	}
	if strings.TrimSpace(title) == "" {
		vs.Add("title", RuleRequired, "title is required")
	}
	if err := vs.Err(); err != nil {
		return core.Resource{}, err
	}
	res := core.Resource{ID: uuid.NewString(), OwnerID: ownerID, Title: strings.TrimSpace(title), CreatedAt: s.now()}
	err := storage.Update(ctx, s.store, func(tx storage.Tx) error {
		c, err := tx.Collection(Resources)
		if err != nil {
			return err
		}
		rec, err := storage.Encode(res)
		if err != nil {
			return err
		}
		_, err = c.Create(ctx, rec)
		return err
	})
	if err != nil {
		return core.Resource{}, fmt.Errorf("create resource: %w", err)
	}
	s.publish(core.EventResourceCreated, nil, ownerID)
	return res, nil
}

func (s *Scheduler) GetResource(ctx context.Context, id string) (core.Resource, error) {
	var res core.Resource
	err := storage.View(ctx, s.store, func(tx storage.Tx) error {
		var err error
		res, err = loadResource(ctx, tx, id)
		return err
	})
	return res, err
}

// SubmitBid truncates req's interval to whole days, validates req, checks it
// against the resource's active set and stores it as Pending.
func (s *Scheduler) SubmitBid(ctx context.Context, req BidRequest) (core.Reservation, error) {
	req.Interval = req.Interval.Civil()
	today := s.today()
	vs := s.validateBid(req, today)

	var out core.Reservation
	err := storage.Update(ctx, s.store, func(tx storage.Tx) error {
		var res core.Resource
		if strings.TrimSpace(req.ResourceID) != "" {
			var err error
			res, err = loadResource(ctx, tx, req.ResourceID)
			switch {
			case errors.Is(err, core.ErrNotFound) && len(vs) > 0:
				// Report the validation failures first.
			case err != nil:
				return err
			case res.OwnerID == req.RequesterID:
				vs.Add("requester_id", RuleSelfBid, "owners cannot bid on their own resource")
			}
		}
		if err := vs.Err(); err != nil {
			return err
		}

		active, err := activeSet(ctx, tx, req.ResourceID)
		if err != nil {
			return err
		}
		if blocking := overlapping(active, req.Interval, ""); len(blocking) > 0 {
			return overlapError(blocking)
		}

		out = core.Reservation{
			ID:               uuid.NewString(),
			ResourceID:       req.ResourceID,
			RequesterID:      req.RequesterID,
			OwnerID:          res.OwnerID,
			Interval:         req.Interval,
			Amount:           req.Amount,
			Status:           core.StatusPending,
			CreatedAt:        s.now(),
			RequesterMessage: req.Message,
		}
		return createReservation(ctx, tx, out)
	})
	if err != nil {
		metrics.BidRefused(refusalReason(err))
		return core.Reservation{}, err
	}
	metrics.Transition(string(core.StatusPending))
	s.log.Info("bid submitted", "reservation", out.ID, "resource", out.ResourceID, "interval", out.Interval.String(), "amount", out.Amount)
	s.publish(core.EventReservationSubmitted, &out)
	return out, nil
}

// Decide accepts or rejects a pending reservation on behalf of the resource
// owner. Accepting rejects every overlapping pending sibling in the same
// transaction. Deciding an already decided reservation fails with a
// *core.TransitionError and never repeats the cascade.
func (s *Scheduler) Decide(ctx context.Context, req DecideRequest) (DecideResult, error) {
	var vs core.Violations
	if req.Decision != core.StatusAccepted && req.Decision != core.StatusRejected {
		vs.Add("decision", RuleDecision, "decision must be %s or %s", core.StatusAccepted, core.StatusRejected)
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		vs.Add("owner_id", RuleRequired, "owner id is required")
	}
	s.checkMessage(&vs, "message", req.Message)
	if err := vs.Err(); err != nil {
		return DecideResult{}, err
	}

	var result DecideResult
	err := storage.Update(ctx, s.store, func(tx storage.Tx) error {
		r, err := s.authorize(ctx, tx, req.ReservationID, req.OwnerID, false)
		if err != nil {
			return err
		}
		if !core.CanTransition(r.Status, req.Decision) {
			return &core.TransitionError{ReservationID: r.ID, From: r.Status, To: req.Decision}
		}

		now := s.now()
		var siblings []core.Reservation
		if req.Decision == core.StatusAccepted {
			accepted, err := byResourceAndStatus(ctx, tx, r.ResourceID, core.StatusAccepted)
			if err != nil {
				return err
			}
			if blocking := overlapping(accepted, r.Interval, r.ID); len(blocking) > 0 {
				return overlapError(blocking)
			}
			pending, err := byResourceAndStatus(ctx, tx, r.ResourceID, core.StatusPending)
			if err != nil {
				return err
			}
			for _, sib := range overlapping(pending, r.Interval, r.ID) {
				sib.Status = core.StatusRejected
				sib.DecidedAt = &now
				sib.ResponderMessage = core.AutoRejectMessage
				sib.AutoRejected = true
				if err := saveReservation(ctx, tx, sib); err != nil {
					return err
				}
				siblings = append(siblings, sib)
			}
		}

		r.Status = req.Decision
		r.DecidedAt = &now
		r.ResponderMessage = req.Message
		if err := saveReservation(ctx, tx, r); err != nil {
			return err
		}
		result = DecideResult{Reservation: r, AutoRejected: siblings}
		return nil
	})
	if err != nil {
		return DecideResult{}, err
	}

	r := result.Reservation
	metrics.Transition(string(r.Status))
	s.log.Info("reservation decided", "reservation", r.ID, "resource", r.ResourceID, "status", r.Status, "auto_rejected", len(result.AutoRejected))
	if r.Status == core.StatusAccepted {
		s.publish(core.EventReservationAccepted, &r)
	} else {
		s.publish(core.EventReservationRejected, &r)
	}
	for i := range result.AutoRejected {
		metrics.Transition(string(core.StatusRejected))
		s.publish(core.EventReservationAutoRejected, &result.AutoRejected[i])
	}
	if result.AutoRejected == nil {
		result.AutoRejected = []core.Reservation{}
	}
	return result, nil
}

// Cancel withdraws a pending or accepted reservation. Either the requester
// or the resource owner may cancel.
func (s *Scheduler) Cancel(ctx context.Context, id, actorID, message string) (core.Reservation, error) {
	var vs core.Violations
	s.checkMessage(&vs, "message", message)
	if err := vs.Err(); err != nil {
		return core.Reservation{}, err
	}
	return s.transition(ctx, id, actorID, true, core.StatusCancelled, func(r *core.Reservation) {
		if message == "" {
			return
		}
		if actorID == r.OwnerID {
			r.ResponderMessage = message
		} else {
			r.RequesterMessage = message
		}
	}, core.EventReservationCancelled)
}

// Convert marks an accepted reservation as fulfilled.
func (s *Scheduler) Convert(ctx context.Context, id, ownerID string) (core.Reservation, error) {
	return s.transition(ctx, id, ownerID, false, core.StatusConverted, nil, core.EventReservationConverted)
}

func (s *Scheduler) transition(ctx context.Context, id, actorID string, requesterMay bool, to core.Status, edit func(*core.Reservation), ev core.EventType) (core.Reservation, error) {
	var out core.Reservation
	err := storage.Update(ctx, s.store, func(tx storage.Tx) error {
		r, err := s.authorize(ctx, tx, id, actorID, requesterMay)
		if err != nil {
			return err
		}
		if !core.CanTransition(r.Status, to) {
			return &core.TransitionError{ReservationID: r.ID, From: r.Status, To: to}
		}
		now := s.now()
		r.Status = to
		r.DecidedAt = &now
		if edit != nil {
			edit(&r)
		}
		out = r
		return saveReservation(ctx, tx, r)
	})
	if err != nil {
		return core.Reservation{}, err
	}
	metrics.Transition(string(to))
	s.log.Info("reservation updated", "reservation", out.ID, "status", out.Status, "actor", actorID)
	s.publish(ev, &out)
	return out, nil
}

// authorize loads the reservation and checks actorID is the resource owner,
// or the requester when requesterMay is set.
func (s *Scheduler) authorize(ctx context.Context, tx storage.Tx, id, actorID string, requesterMay bool) (core.Reservation, error) {
	r, err := loadReservation(ctx, tx, id)
	if err != nil {
		return core.Reservation{}, err
	}
	res, err := loadResource(ctx, tx, r.ResourceID)
	if err != nil {
		return core.Reservation{}, err
	}
	if actorID == "" || (actorID != res.OwnerID && !(requesterMay && actorID == r.RequesterID)) {
		return core.Reservation{}, fmt.Errorf("user %q may not change reservation %s: %w", actorID, r.ID, core.ErrForbidden)
	}
	return r, nil
}

// ExpireStale moves pending reservations whose start date has passed to
// Expired and returns them.
func (s *Scheduler) ExpireStale(ctx context.Context) ([]core.Reservation, error) {
	today := s.today()
	var expired []core.Reservation
	err := storage.Update(ctx, s.store, func(tx storage.Tx) error {
		c, err := tx.Collection(Reservations)
		if err != nil {
			return err
		}
		var stale []core.Reservation
		for rec, err := range c.ScanAll(ctx) {
			if err != nil {
				return err
			}
			var r core.Reservation
			if err := storage.Decode(rec, &r); err != nil {
				return err
			}
			if r.Status == core.StatusPending && r.Interval.Start.Before(today) {
				stale = append(stale, r)
			}
		}
		now := s.now()
		for _, r := range stale {
			r.Status = core.StatusExpired
			r.DecidedAt = &now
			if err := saveReservation(ctx, tx, r); err != nil {
				return err
			}
			expired = append(expired, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range expired {
		metrics.Transition(string(core.StatusExpired))
		s.publish(core.EventReservationExpired, &expired[i])
	}
	return expired, nil
}

// GetHighestActive returns the largest amount among the resource's pending
// and accepted reservations; ok is false when there are none.
func (s *Scheduler) GetHighestActive(ctx context.Context, resourceID string) (amount float64, ok bool, err error) {
	err = storage.View(ctx, s.store, func(tx storage.Tx) error {
		active, err := activeSet(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		for _, r := range active {
			if !ok || r.Amount > amount {
				amount, ok = r.Amount, true
			}
		}
		return nil
	})
	return amount, ok, err
}

func (s *Scheduler) Get(ctx context.Context, id string) (core.Reservation, error) {
	var r core.Reservation
	err := storage.View(ctx, s.store, func(tx storage.Tx) error {
		var err error
		r, err = loadReservation(ctx, tx, id)
		return err
	})
	return r, err
}

// ListByResource returns every reservation of a resource ordered by start date.
func (s *Scheduler) ListByResource(ctx context.Context, resourceID string) ([]core.Reservation, error) {
	return s.list(ctx, byResource, resourceID)
}

func (s *Scheduler) ListByRequester(ctx context.Context, requesterID string) ([]core.Reservation, error) {
	return s.list(ctx, byRequester, requesterID)
}

// ListByOwner returns the reservations made against resources ownerID owns.
func (s *Scheduler) ListByOwner(ctx context.Context, ownerID string) ([]core.Reservation, error) {
	return s.list(ctx, byOwner, ownerID)
}

func (s *Scheduler) list(ctx context.Context, index, value string) ([]core.Reservation, error) {
	var out []core.Reservation
	err := storage.View(ctx, s.store, func(tx storage.Tx) error {
		var err error
		out, err = queryReservations(ctx, tx, index, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortByStart(out)
	return out, nil
}

func (s *Scheduler) publish(ev core.EventType, r *core.Reservation, extra ...string) {
	if s.bus == nil {
		return
	}
	if r == nil {
		for _, user := range extra {
			s.bus.Broadcast(user, map[string]any{"type": string(ev), "created_at": s.now()})
		}
		return
	}
	event := core.ReservationEvent{Type: ev, Reservation: *r, CreatedAt: s.now()}
	s.bus.Broadcast(r.RequesterID, event)
	if r.OwnerID != "" && r.OwnerID != r.RequesterID {
		s.bus.Broadcast(r.OwnerID, event)
	}
}

func refusalReason(err error) string {
	var ve *core.ValidationError
	var oe *core.OverlapError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &oe):
		return "overlap"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func overlapError(blocking []core.Reservation) error {
	details := make([]core.ConflictDetail, 0, len(blocking))
	for _, b := range blocking {
		details = append(details, core.ConflictDetail{
			ReservationID: b.ID,
			RequesterID:   b.RequesterID,
			Status:        b.Status,
			Interval:      b.Interval,
		})
	}
	return &core.OverlapError{Blocking: details}
}

// overlapping returns the reservations other than skipID whose interval
// intersects iv, ordered by start date.
func overlapping(rs []core.Reservation, iv core.Interval, skipID string) []core.Reservation {
	var out []core.Reservation
	for _, r := range rs {
		if r.ID != skipID && r.Interval.Overlaps(iv) {
			out = append(out, r)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(rs []core.Reservation) {
	slices.SortFunc(rs, func(a, b core.Reservation) int {
		if c := a.Interval.Start.Compare(b.Interval.Start); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
