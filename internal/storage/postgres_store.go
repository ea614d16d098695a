package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id          TEXT PRIMARY KEY,
	rider_id    TEXT NOT NULL,
	driver_id   TEXT NOT NULL DEFAULT '',
	vehicle_id  TEXT NOT NULL DEFAULT '',
	origin_lat  DOUBLE PRECISION NOT NULL,
	origin_lon  DOUBLE PRECISION NOT NULL,
	dest_lat    DOUBLE PRECISION NOT NULL,
	dest_lon    DOUBLE PRECISION NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	eta_seconds BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_status_idx ON rides (status);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the rides table if it is missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, vehicle_id, origin_lat, origin_lon, dest_lat, dest_lon, category, status, eta_seconds, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.DriverID, r.VehicleID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, string(r.Category), string(r.Status), r.ETASeconds, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, vehicle_id=$2, status=$3, eta_seconds=$4, updated_at=$5 WHERE id=$6`,
		r.DriverID, r.VehicleID, string(r.Status), r.ETASeconds, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrRideNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var (
		r        models.Ride
		category string
		status   string
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, driver_id, vehicle_id, origin_lat, origin_lon, dest_lat, dest_lon, category, status, eta_seconds, created_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &r.DriverID, &r.VehicleID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &category, &status, &r.ETASeconds, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Category = models.VehicleCategory(category)
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
