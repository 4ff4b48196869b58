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

// PostgresStore backs the Store interface with Postgres. Ride+booking
// cascades run inside one transaction; the decide path relies on a
// conditional UPDATE so concurrent decisions cannot both win.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRideWithBooking(ctx context.Context, r *models.Ride, b *models.Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rides(id, driver_id, vehicle_id, route_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, kind, status, fare, created_at, updated_at)
		 VALUES($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.DriverID, r.VehicleID, r.RouteID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.Kind, r.Status, r.Fare, r.CreatedAt, r.UpdatedAt); err != nil {
		return err
	}
	if err := insertBooking(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBooking(ctx context.Context, tx *sql.Tx, b *models.Booking) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO bookings(id, user_id, ride_id, kind, status, seats, fare_at_booking, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.UserID, b.RideID, b.Kind, b.Status, b.Seats, b.FareAtBooking, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertBooking(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

const rideColumns = `id, driver_id, vehicle_id, COALESCE(route_id,''), pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, kind, status, fare, start_time, end_time, created_at, updated_at`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	var start, end sql.NullTime
	err := row.Scan(&r.ID, &r.DriverID, &r.VehicleID, &r.RouteID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.Kind, &r.Status, &r.Fare, &start, &end, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		r.StartTime = &start.Time
	}
	if end.Valid {
		r.EndTime = &end.Time
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const bookingColumns = `id, user_id, ride_id, kind, status, seats, fare_at_booking, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(&b.ID, &b.UserID, &b.RideID, &b.Kind, &b.Status, &b.Seats,
		&b.FareAtBooking, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) PrimaryBooking(ctx context.Context, rideID string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE ride_id=$1 ORDER BY created_at LIMIT 1`, rideID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking for ride %s: %w", rideID, models.ErrNotFound)
	}
	return b, err
}

func (p *PostgresStore) DecideRide(ctx context.Context, rideID, driverID string, accept bool, now time.Time) (*models.Ride, *models.Booking, error) {
	status := models.RideRejected
	if accept {
		status = models.RideAccepted
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	// Conditional update: only the first of two racing decisions matches a
	// pending row, the other sees ErrNoRows.
	var startTime any
	if accept {
		startTime = now
	}
	row := tx.QueryRowContext(ctx,
		`UPDATE rides SET status=$1, start_time=COALESCE($2, start_time), updated_at=$3
		 WHERE id=$4 AND driver_id=$5 AND status=$6
		 RETURNING `+rideColumns,
		status, startTime, now, rideID, driverID, models.RidePending)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("pending ride %s for driver %s: %w", rideID, driverID, models.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	bs, _ := bookingStatusFor(status)
	brow := tx.QueryRowContext(ctx,
		`UPDATE bookings SET status=$1, updated_at=$2
		 WHERE id = (SELECT id FROM bookings WHERE ride_id=$3 ORDER BY created_at LIMIT 1)
		 RETURNING `+bookingColumns,
		bs, now, rideID)
	b, err := scanBooking(brow)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return r, b, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, to models.RideStatus, now time.Time) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1 FOR UPDATE`, rideID)
	var cur models.RideStatus
	if err := row.Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
		}
		return nil, err
	}
	if !models.CanTransition(cur, to) {
		return nil, fmt.Errorf("ride %s: %s -> %s: %w", rideID, cur, to, models.ErrInvalidTransition)
	}

	var endTime any
	if to == models.RideCompleted || to == models.RideCancelled {
		endTime = now
	}
	urow := tx.QueryRowContext(ctx,
		`UPDATE rides SET status=$1, end_time=COALESCE($2, end_time), updated_at=$3 WHERE id=$4 RETURNING `+rideColumns,
		to, endTime, now, rideID)
	r, err := scanRide(urow)
	if err != nil {
		return nil, err
	}

	if bs, ok := bookingStatusFor(to); ok {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bookings SET status=$1, updated_at=$2
			 WHERE id = (SELECT id FROM bookings WHERE ride_id=$3 ORDER BY created_at LIMIT 1)`,
			bs, now, rideID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) UpdateRideFare(ctx context.Context, rideID string, fare float64) (*models.Ride, error) {
	if fare < 0 {
		return nil, fmt.Errorf("fare must be non-negative: %w", models.ErrValidation)
	}
	row := p.db.QueryRowContext(ctx,
		`UPDATE rides SET fare=$1, updated_at=$2 WHERE id=$3 RETURNING `+rideColumns,
		fare, time.Now(), rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	return r, err
}
