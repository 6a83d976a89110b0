package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// simulationRow is a simulation record. The full JobConfig is kept in Config;
// the mutable record fields are mirrored into columns so they can be patched.
type simulationRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"primaryKey;size:64"`
	ModelID     string `gorm:"index;size:64"`
	Name        string `gorm:"size:255"`
	Annotation  string
	Status      string `gorm:"index;size:20"`
	Description string
	Progress    float64
	Config      []byte
	Deleted     bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (simulationRow) TableName() string { return "simulations" }

func (r *simulationRow) toJob() (protocol.JobConfig, error) {
	var job protocol.JobConfig
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &job); err != nil {
			return job, fmt.Errorf("decoding simulation %s: %w", r.ID, err)
		}
	}
	job.ID = r.ID
	job.UserID = r.UserID
	job.ModelID = r.ModelID
	job.Name = r.Name
	job.Annotation = r.Annotation
	job.Status = protocol.SimStatus(r.Status)
	job.Description = r.Description
	job.Progress = r.Progress
	return job, nil
}

func newSimulationRow(job protocol.JobConfig) (simulationRow, error) {
	cfg, err := json.Marshal(job)
	if err != nil {
		return simulationRow{}, fmt.Errorf("marshaling simulation: %w", err)
	}
	return simulationRow{
		ID:          job.ID,
		UserID:      job.UserID,
		ModelID:     job.ModelID,
		Name:        job.Name,
		Annotation:  job.Annotation,
		Status:      string(job.Status),
		Description: job.Description,
		Progress:    job.Progress,
		Config:      cfg,
	}, nil
}

type simLogRow struct {
	SimID     string   `gorm:"primaryKey;size:64"`
	Source    string   `gorm:"primaryKey;size:64"`
	Lines     []string `gorm:"serializer:json"`
	UpdatedAt time.Time
}

func (simLogRow) TableName() string { return "sim_logs" }

type simTraceRow struct {
	SimID string `gorm:"primaryKey;size:64"`
	Idx   int    `gorm:"primaryKey;autoIncrement:false"`
	Data  []byte
}

func (simTraceRow) TableName() string { return "sim_trace_chunks" }

type spatialStepRow struct {
	SimID   string `gorm:"primaryKey;size:64"`
	StepIdx int    `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte
}

func (spatialStepRow) TableName() string { return "sim_spatial_step_traces" }

// GormStore implements Repository on a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database. Call Migrate before use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := NewGormStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating sqlite %s: %w", path, err)
	}
	return s, nil
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&simulationRow{},
		&simLogRow{},
		&simTraceRow{},
		&spatialStepRow{},
	)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Simulations ---

func (s *GormStore) CreateSimulation(ctx context.Context, sim protocol.JobConfig) error {
	row, err := newSimulationRow(sim)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing simulationRow
		err := tx.Where("id = ? AND user_id = ?", sim.ID, sim.UserID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return fmt.Errorf("reading simulation %s: %w", sim.ID, err)
		case !existing.Deleted:
			return ErrAlreadyExists
		}
		row.CreatedAt = existing.CreatedAt
		return tx.Save(&row).Error
	})
}

func (s *GormStore) UpdateSimulation(ctx context.Context, patch protocol.SimulationPatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row simulationRow
		err := tx.Where("id = ? AND user_id = ? AND deleted = ?", patch.ID, patch.UserID, false).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading simulation %s: %w", patch.ID, err)
		}

		job, err := row.toJob()
		if err != nil {
			return err
		}
		applyPatch(&job, patch)
		updated, err := newSimulationRow(job)
		if err != nil {
			return err
		}
		updated.CreatedAt = row.CreatedAt
		return tx.Save(&updated).Error
	})
}

func (s *GormStore) DeleteSimulation(ctx context.Context, ref protocol.SimRef) error {
	err := s.db.WithContext(ctx).
		Model(&simulationRow{}).
		Where("id = ? AND user_id = ?", ref.ID, ref.UserID).
		Update("deleted", true).Error
	if err != nil {
		return fmt.Errorf("deleting simulation %s: %w", ref.ID, err)
	}
	return nil
}

func (s *GormStore) GetSimulation(ctx context.Context, ref protocol.SimRef) (protocol.JobConfig, error) {
	var row simulationRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted = ?", ref.ID, ref.UserID, false).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.JobConfig{}, ErrNotFound
	}
	if err != nil {
		return protocol.JobConfig{}, fmt.Errorf("reading simulation %s: %w", ref.ID, err)
	}
	return row.toJob()
}

func (s *GormStore) GetSimulations(ctx context.Context, userID, modelID string) ([]protocol.JobConfig, error) {
	q := s.db.WithContext(ctx).Where("user_id = ? AND deleted = ?", userID, false)
	if modelID != "" {
		q = q.Where("model_id = ?", modelID)
	}
	var rows []simulationRow
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing simulations of %s: %w", userID, err)
	}

	out := make([]protocol.JobConfig, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// --- Logs ---

func (s *GormStore) CreateSimLog(ctx context.Context, log protocol.SimLog) error {
	if len(log.Log) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for source, lines := range log.Log {
			var row simLogRow
			err := tx.Where("sim_id = ? AND source = ?", log.ID, source).First(&row).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("reading log of %s/%s: %w", log.ID, source, err)
			}
			row.SimID = log.ID
			row.Source = source
			row.Lines = append(row.Lines, lines...)
			if row.Lines == nil {
				row.Lines = []string{}
			}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("storing log of %s/%s: %w", log.ID, source, err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetSimLog(ctx context.Context, simID string) (protocol.SimLog, error) {
	var rows []simLogRow
	if err := s.db.WithContext(ctx).Where("sim_id = ?", simID).Find(&rows).Error; err != nil {
		return protocol.SimLog{}, fmt.Errorf("reading log of %s: %w", simID, err)
	}
	if len(rows) == 0 {
		return protocol.SimLog{}, ErrNotFound
	}
	book := make(protocol.LogBook, len(rows))
	for _, r := range rows {
		book[r.Source] = r.Lines
	}
	return protocol.SimLog{SimRef: protocol.SimRef{ID: simID}, Log: book}, nil
}

func (s *GormStore) DeleteSimLog(ctx context.Context, simID string) error {
	return s.db.WithContext(ctx).Where("sim_id = ?", simID).Delete(&simLogRow{}).Error
}

// --- Traces ---

func (s *GormStore) CreateSimTrace(ctx context.Context, chunk protocol.SimTrace) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling trace chunk: %w", err)
	}
	row := simTraceRow{SimID: chunk.ID, Idx: chunk.Index, Data: data}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("storing trace chunk %s/%d: %w", chunk.ID, chunk.Index, err)
	}
	return nil
}

func (s *GormStore) GetSimTrace(ctx context.Context, simID string) ([]protocol.SimTrace, error) {
	var rows []simTraceRow
	err := s.db.WithContext(ctx).
		Where("sim_id = ?", simID).
		Order("idx ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("reading trace of %s: %w", simID, err)
	}
	out := make([]protocol.SimTrace, 0, len(rows))
	for _, r := range rows {
		var chunk protocol.SimTrace
		if err := json.Unmarshal(r.Data, &chunk); err != nil {
			return nil, fmt.Errorf("decoding trace chunk %s/%d: %w", simID, r.Idx, err)
		}
		out = append(out, chunk)
	}
	return out, nil
}

func (s *GormStore) DeleteSimTrace(ctx context.Context, simID string) error {
	return s.db.WithContext(ctx).Where("sim_id = ?", simID).Delete(&simTraceRow{}).Error
}

// --- Spatial step traces ---

func (s *GormStore) CreateSimSpatialStepTrace(ctx context.Context, step protocol.SimSpatialStepTrace) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshaling spatial step: %w", err)
	}
	row := spatialStepRow{SimID: step.ID, StepIdx: step.StepIdx, Data: data}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("storing spatial step %s/%d: %w", step.ID, step.StepIdx, err)
	}
	return nil
}

func (s *GormStore) GetSpatialStepTrace(ctx context.Context, simID string, stepIdx int) (protocol.SimSpatialStepTrace, error) {
	var step protocol.SimSpatialStepTrace
	var row spatialStepRow
	err := s.db.WithContext(ctx).
		Where("sim_id = ? AND step_idx = ?", simID, stepIdx).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return step, ErrNotFound
	}
	if err != nil {
		return step, fmt.Errorf("reading spatial step %s/%d: %w", simID, stepIdx, err)
	}
	if err := json.Unmarshal(row.Data, &step); err != nil {
		return step, fmt.Errorf("decoding spatial step %s/%d: %w", simID, stepIdx, err)
	}
	return step, nil
}

func (s *GormStore) GetLastSpatialStepTraceIdx(ctx context.Context, simID string) (int, bool, error) {
	var rows []spatialStepRow
	err := s.db.WithContext(ctx).
		Select("sim_id", "step_idx").
		Where("sim_id = ?", simID).
		Order("step_idx DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, false, fmt.Errorf("reading spatial index of %s: %w", simID, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].StepIdx, true, nil
}

func (s *GormStore) DeleteSimSpatialTraces(ctx context.Context, simID string) error {
	return s.db.WithContext(ctx).Where("sim_id = ?", simID).Delete(&spatialStepRow{}).Error
}

var _ Repository = (*GormStore)(nil)
