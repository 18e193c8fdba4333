package scheduler

import (
	"context"
	"fmt"

	"github.com/mistakeknot/interlease/internal/core"
	"github.com/mistakeknot/interlease/internal/storage"
)

func loadResource(ctx context.Context, tx storage.Tx, id string) (core.Resource, error) {
	c, err := tx.Collection(Resources)
	if err != nil {
		return core.Resource{}, err
	}
	rec, err := c.Read(ctx, id)
	if err != nil {
		return core.Resource{}, fmt.Errorf("resource %s: %w", id, err)
	}
	var res core.Resource
	if err := storage.Decode(rec, &res); err != nil {
		return core.Resource{}, err
	}
	return res, nil
}

func loadReservation(ctx context.Context, tx storage.Tx, id string) (core.Reservation, error) {
	c, err := tx.Collection(Reservations)
	if err != nil {
		return core.Reservation{}, err
	}
	rec, err := c.Read(ctx, id)
	if err != nil {
		return core.Reservation{}, fmt.Errorf("reservation %s: %w", id, err)
	}
	var r core.Reservation
	if err := storage.Decode(rec, &r); err != nil {
		return core.Reservation{}, err
	}
	return r, nil
}

func createReservation(ctx context.Context, tx storage.Tx, r core.Reservation) error {
	return writeReservation(ctx, tx, r, true)
}

func saveReservation(ctx context.Context, tx storage.Tx, r core.Reservation) error {
	return writeReservation(ctx, tx, r, false)
}

func writeReservation(ctx context.Context, tx storage.Tx, r core.Reservation, create bool) error {
	c, err := tx.Collection(Reservations)
	if err != nil {
		return err
	}
	rec, err := storage.Encode(r)
	if err != nil {
		return err
	}
	if create {
		_, err = c.Create(ctx, rec)
	} else {
		_, err = c.Update(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("save reservation %s: %w", r.ID, err)
	}
	return nil
}

func queryReservations(ctx context.Context, tx storage.Tx, index string, value any) ([]core.Reservation, error) {
	c, err := tx.Collection(Reservations)
	if err != nil {
		return nil, err
	}
	recs, err := c.QueryByIndex(ctx, index, value)
	if err != nil {
		return nil, err
	}
	out := make([]core.Reservation, 0, len(recs))
	for _, rec := range recs {
		var r core.Reservation
		if err := storage.Decode(rec, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func byResourceAndStatus(ctx context.Context, tx storage.Tx, resourceID string, status core.Status) ([]core.Reservation, error) {
	return queryReservations(ctx, tx, byResourceStatus, []string{resourceID, string(status)})
}

// activeSet returns the resource's pending and accepted reservations.
func activeSet(ctx context.Context, tx storage.Tx, resourceID string) ([]core.Reservation, error) {
	var out []core.Reservation
	for _, st := range core.ActiveStatuses() {
		rs, err := byResourceAndStatus(ctx, tx, resourceID, st)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}
