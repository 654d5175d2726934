package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) SaveRide(ctx context.Context, runID string, r models.Ride) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(run_id, id, customer, driver, pickup, destination, status, fare, rated, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (run_id, id) DO NOTHING`,
		runID, r.ID, r.Customer, nullString(r.Driver), r.Pickup, r.Destination, string(r.Status), nullFare(r.Fare), r.Rated, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, runID string, r models.Ride) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE rides SET driver=$1, status=$2, fare=$3, rated=$4, updated_at=$5 WHERE run_id=$6 AND id=$7`,
		nullString(r.Driver), string(r.Status), nullFare(r.Fare), r.Rated, r.UpdatedAt, runID, r.ID)
	return err
}

func (p *PostgresStore) SaveRating(ctx context.Context, runID string, rideID int64, rt models.Rating) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_ratings(run_id, ride_id, behaviour, car, ride, overall, comment) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		runID, rideID, rt.Behaviour, rt.Car, rt.Ride, rt.Overall(), rt.Comment)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullFare(f float64) sql.NullFloat64 { return sql.NullFloat64{Float64: f, Valid: f > 0} }
