package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nimdanitro/greensens-scraper-go/pkg/config"
	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Timescale keeps the reading history in a hypertable, one row per sensor
// and poll.
type Timescale struct {
	db    execer
	table string
	index string
	log   *zap.Logger
	close func()
}

func newTimescale(db execer, table string, log *zap.Logger) *Timescale {
	return &Timescale{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		index: pgx.Identifier{table + "_sensor_time_idx"}.Sanitize(),
		log:   log,
	}
}

func NewTimescale(ctx context.Context, cfg config.TimescaleConfig, log *zap.Logger) (*Timescale, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	t := newTimescale(pool, cfg.TableName, log)
	t.close = pool.Close
	if err := t.InitializeTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return t, nil
}

// InitializeTable creates the readings table, converts it to a hypertable and
// adds the unique (sensor_id, time) index if they do not exist yet.
func (t *Timescale) InitializeTable(ctx context.Context) error {
	_, err := t.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			time            TIMESTAMPTZ NOT NULL,
			sensor_id       TEXT NOT NULL,
			hub             TEXT NOT NULL,
			plant_id        INTEGER NOT NULL,
			is_reset        BOOLEAN NOT NULL,
			charge_level    INTEGER,
			last_connection TIMESTAMPTZ NOT NULL,
			payload         JSONB NOT NULL
		)
	`, t.table))
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = t.db.Exec(ctx, `SELECT create_hypertable($1::regclass, 'time', if_not_exists => TRUE)`, t.table)
	if err != nil {
		return fmt.Errorf("failed to convert table to hypertable: %w", err)
	}

	_, err = t.db.Exec(ctx, fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (sensor_id, time)`, t.index, t.table))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	t.log.Info("readings table ready", zap.String("table", t.table))
	return nil
}

func (t *Timescale) Write(ctx context.Context, snap greensens.Snapshot) (err error) {
	if snap.Taken.IsZero() {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (time, sensor_id, hub, plant_id, is_reset, charge_level, last_connection, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sensor_id, time) DO NOTHING
	`, t.table)

	for _, hub := range snap.Hubs {
		for _, s := range hub.Sensors(false) {
			payload, merr := newReading(hub, s, snap.Taken).marshal()
			if merr != nil {
				err = multierr.Append(err, merr)
				continue
			}
			var charge *int
			if level, ok := s.ChargeLevel(); ok {
				charge = &level
			}
			_, xerr := t.db.Exec(ctx, query,
				snap.Taken, s.ID(), hub.Name(), s.PlantID(), s.IsReset(), charge, s.LastConnection(), string(payload))
			if xerr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to insert reading for %s: %w", s.ID(), xerr))
			}
		}
	}
	return err
}

func (t *Timescale) Close() error {
	if t.close != nil {
		t.close()
	}
	return nil
}
