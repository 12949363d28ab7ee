package lifecycle

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
)

// FileStore is the persistence a Machine needs.
type FileStore interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.File, error)
	UpdateState(ctx context.Context, file domain.File) error
	RecordStatusChange(ctx context.Context, change domain.FileStatusChange) error
}

// Transactor runs fn inside a transaction carried by the context.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Machine applies transitions to stored files. Each call locks the file row,
// checks the move, updates the state and writes the audit row in one
// transaction, or joins the caller's transaction when one is open.
type Machine struct {
	files  FileStore
	tx     Transactor
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine builds a Machine.
func NewMachine(files FileStore, tx Transactor, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		files:  files,
		tx:     tx,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves the file to (status, stage).
func (m *Machine) Transition(ctx context.Context, fileID uuid.UUID, status domain.FileStatus, stage domain.ProcessingStage, actor string) (domain.File, error) {
	var updated domain.File
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		file, err := m.files.GetForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		updated, err = m.apply(ctx, file, Step{Status: status, Stage: stage}, actor)
		return err
	})
	if err != nil {
		return domain.File{}, err
	}
	return updated, nil
}

// Lock loads the file with a row lock. It must be called inside WithTx.
func (m *Machine) Lock(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	return m.files.GetForUpdate(ctx, fileID)
}

// ApplySteps runs each hop in order against a file already locked by the
// caller. Every hop writes its own audit row.
func (m *Machine) ApplySteps(ctx context.Context, file domain.File, steps []Step, actor string) (domain.File, error) {
	current := file
	for _, step := range steps {
		next, err := m.apply(ctx, current, step, actor)
		if err != nil {
			return file, err
		}
		current = next
	}
	return current, nil
}

func (m *Machine) apply(ctx context.Context, file domain.File, step Step, actor string) (domain.File, error) {
	next, change, err := Apply(file, step.Status, step.Stage, actor, m.now())
	if err != nil {
		return file, err
	}
	if err := m.files.UpdateState(ctx, next); err != nil {
		return file, errors.Wrap(err, "persist file state")
	}
	if err := m.files.RecordStatusChange(ctx, change); err != nil {
		return file, errors.Wrap(err, "record status change")
	}
	m.logger.Info("file transitioned",
		zap.String("file_id", file.ID.String()),
		zap.String("from_status", string(change.PreviousStatus)),
		zap.String("to_status", string(change.NewStatus)),
		zap.String("from_stage", string(change.PreviousStage)),
		zap.String("to_stage", string(change.NewStage)),
		zap.String("actor", actor),
	)
	return next, nil
}
