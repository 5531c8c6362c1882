// Package store loads harvested records into the relational staging table.
// A load is a full reload: the table is truncated and every record is
// appended inside one transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/logging"
	"github.com/Sternrassler/workforce-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	rowsLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_store_rows_loaded_total",
		Help: "Rows written to the staging table",
	})

	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_store_load_duration_seconds",
		Help:    "Duration of a full staging reload",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
)

// ErrPersistenceFailure wraps every failed load. The transaction has been
// rolled back when it is returned.
var ErrPersistenceFailure = errors.New("persistence failure")

// IDColumn holds the record identifier in the staging table.
const IDColumn = "associate_oid"

// Defaults.
const (
	DefaultTable     = "adp.stg_hr_workers"
	DefaultBatchSize = 1000

	// maxBindParams is the Postgres limit on parameters per statement.
	maxBindParams = 65535
)

// Config holds database configuration.
type Config struct {
	DSN             string
	BatchSize       int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store writes to the staging database through gorm.
type Store struct {
	db        *gorm.DB
	batchSize int
	logger    zerolog.Logger
}

// Open connects to postgres and applies the pool settings.
func Open(cfg Config) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrPersistenceFailure, err)
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(gdb, cfg.BatchSize), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Store{
		db:        db,
		batchSize: batchSize,
		logger:    logging.NewLogger("store"),
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

// Replace truncates table and inserts records in batches, all in one
// transaction. It returns the number of rows written.
func (s *Store) Replace(ctx context.Context, table string, records []record.Record) (int, error) {
	if table == "" {
		table = DefaultTable
	}
	rows, columns := Rows(records)
	start := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("TRUNCATE TABLE ?", clause.Table{Name: table}).Error; err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Table(table).CreateInBatches(rows, batchSizeFor(s.batchSize, len(columns))).Error; err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		loadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		s.logger.Error().Err(err).Str("table", table).Int("records", len(rows)).Msg("Staging load failed")
		return 0, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	loadDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	rowsLoadedTotal.Add(float64(len(rows)))
	s.logger.Info().
		Str("table", table).
		Int("records", len(rows)).
		Int("columns", len(columns)).
		Dur("duration", time.Since(start)).
		Msg("Staging table reloaded")

	return len(rows), nil
}

// batchSizeFor caps size so one multi-row INSERT of width columns stays
// within maxBindParams.
func batchSizeFor(size, columns int) int {
	if columns <= 0 {
		return size
	}
	if limit := maxBindParams / columns; limit < size {
		if limit < 1 {
			return 1
		}
		return limit
	}
	return size
}

// Rows converts records into insertable rows over the union of all
// columns. Missing columns are NULL; IDColumn always holds the record id.
// Columns are returned sorted with IDColumn first.
func Rows(records []record.Record) ([]map[string]interface{}, []string) {
	seen := map[string]struct{}{IDColumn: {}}
	for _, r := range records {
		for k := range r.Fields {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		if k != IDColumn {
			columns = append(columns, k)
		}
	}
	sort.Strings(columns)
	columns = append([]string{IDColumn}, columns...)

	rows := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		row := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			row[c] = nil
		}
		for k, v := range r.Fields {
			row[k] = v.Interface()
		}
		row[IDColumn] = r.ID
		rows = append(rows, row)
	}
	return rows, columns
}
