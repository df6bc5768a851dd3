package submit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultTable is used when SQLConfig.Table is empty.
const DefaultTable = "facility_measurements"

// SQLConfig configures the PostgreSQL endpoint.
type SQLConfig struct {
	DSN   string
	Table string
}

// SQLEndpoint inserts one row per record.
type SQLEndpoint struct {
	db     *sql.DB
	insert string
	logger *zap.Logger
	now    func() time.Time
}

// OpenPostgres opens a pool with the lib/pq driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NewSQLEndpoint creates an endpoint writing to table.
func NewSQLEndpoint(db *sql.DB, table string, logger *zap.Logger) *SQLEndpoint {
	if table == "" {
		table = DefaultTable
	}
	insert := fmt.Sprintf(
		`INSERT INTO %s (flow_id, subject_id, temperature, pulse, alcohol, submitted_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(table),
	)
	return &SQLEndpoint{
		db:     db,
		insert: insert,
		logger: logger,
		now:    time.Now,
	}
}

// Submit implements Endpoint.
func (e *SQLEndpoint) Submit(ctx context.Context, rec Record) error {
	var pulse sql.NullFloat64
	if rec.PulseData != nil {
		pulse = sql.NullFloat64{Float64: *rec.PulseData, Valid: true}
	}

	_, err := e.db.ExecContext(ctx, e.insert,
		rec.FlowID,
		rec.SubjectID,
		rec.TemperatureData,
		pulse,
		rec.AlcoholData,
		e.now().UTC(),
	)
	if err != nil {
		e.logger.Error("failed to insert record",
			zap.String("flow_id", rec.FlowID),
			zap.Error(err),
		)
		return fmt.Errorf("insert record: %w", err)
	}

	e.logger.Info("record stored",
		zap.String("flow_id", rec.FlowID),
		zap.String("subject_id", rec.SubjectID),
	)
	return nil
}
