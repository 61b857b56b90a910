package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lib/pq"

	"github.com/example/ride-coordinator/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a SQL file, e.g. migrations/001_create_rides.sql.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const upsertRide = `
INSERT INTO rides (id, mode, vehicle_class, passenger_ids, driver_id, state, estimated_fare, total_fare,
                   cancel_reason, cancelled_by, payment_ref, request, stops, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    driver_id = EXCLUDED.driver_id,
    state = EXCLUDED.state,
    total_fare = EXCLUDED.total_fare,
    cancel_reason = EXCLUDED.cancel_reason,
    cancelled_by = EXCLUDED.cancelled_by,
    payment_ref = EXCLUDED.payment_ref,
    stops = EXCLUDED.stops,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
WHERE rides.version < EXCLUDED.version`

// SaveRide upserts the ride. A write whose version is not newer than the
// stored row affects nothing and reports ErrStaleVersion.
func (p *PostgresStore) SaveRide(ctx context.Context, r *models.RideAggregate) error {
	req, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return fmt.Errorf("encode stops: %w", err)
	}
	if r.Stops == nil {
		stops = []byte("[]")
	}
	res, err := p.db.ExecContext(ctx, upsertRide,
		r.ID, r.Request.Mode, r.Request.VehicleClass, pq.Array(r.Request.PassengerIDs()), r.DriverID, r.State,
		r.EstimatedFare, r.TotalFare, r.CancelReason, r.CancelledBy, r.PaymentRef, req, stops,
		r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: ride %s v%d", ErrStaleVersion, r.ID, r.Version)
	}
	return nil
}

const upsertOffer = `
INSERT INTO offers (id, ride_id, driver_id, counter_fare, lat, lon, status, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    counter_fare = EXCLUDED.counter_fare,
    lat = EXCLUDED.lat,
    lon = EXCLUDED.lon,
    status = EXCLUDED.status,
    submitted_at = EXCLUDED.submitted_at`

func (p *PostgresStore) SaveOffer(ctx context.Context, o models.Offer) error {
	_, err := p.db.ExecContext(ctx, upsertOffer,
		o.ID, o.RideID, o.DriverID, o.CounterFare, o.Location.Lat, o.Location.Lon, o.Status, o.SubmittedAt)
	return err
}

// LoadRide reads a ride back, e.g. for audits of archived rides.
func (p *PostgresStore) LoadRide(ctx context.Context, id string) (*models.RideAggregate, error) {
	var (
		r                          models.RideAggregate
		req, stops                 []byte
		driver, reason, by, payRef sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
SELECT id, driver_id, state, estimated_fare, total_fare, cancel_reason, cancelled_by, payment_ref,
       request, stops, version, created_at, updated_at
FROM rides WHERE id = $1`, id).Scan(
		&r.ID, &driver, &r.State, &r.EstimatedFare, &r.TotalFare, &reason, &by, &payRef,
		&req, &stops, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID, r.CancelReason, r.CancelledBy, r.PaymentRef = driver.String, reason.String, by.String, payRef.String
	if err := json.Unmarshal(req, &r.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return nil, fmt.Errorf("decode stops: %w", err)
	}
	return &r, nil
}
