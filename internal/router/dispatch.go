package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/protocol"
)

// ProcessClientMessage executes one command from client session s. Failures
// are answered with an error reply carrying the request's cmdid. Successful
// writes send no reply; status broadcasts acknowledge them.
func (o *Orchestrator) ProcessClientMessage(ctx context.Context, s *ClientSession, msg protocol.ClientMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cmdid := msg.CorrelationID()
	if err := o.dispatchClient(ctx, s, cmdid, msg); err != nil {
		o.logger.Info("client command failed",
			"session_id", s.ID,
			"user_id", s.UserID,
			"cmd", msg.Command(),
			"error", err,
		)
		o.replyError(s, cmdid, err)
	}
}

func (o *Orchestrator) dispatchClient(ctx context.Context, s *ClientSession, cmdid json.RawMessage, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.RunSimulation:
		job := m.Job
		if err := ownedBy(s, &job.UserID); err != nil {
			return err
		}
		return o.scheduleLocked(ctx, job)

	case protocol.CancelSimulation:
		ref := m.Sim
		if err := ownedBy(s, &ref.UserID); err != nil {
			return err
		}
		return o.cancelLocked(ctx, ref)

	case protocol.CreateSimulation:
		sim := m.Simulation
		if err := ownedBy(s, &sim.UserID); err != nil {
			return err
		}
		if sim.ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidJob)
		}
		if sim.Status == "" {
			sim.Status = protocol.StatusCreated
		}
		if err := o.repo.CreateSimulation(ctx, sim); err != nil {
			return fmt.Errorf("creating simulation %s: %w", sim.ID, err)
		}
		return nil

	case protocol.UpdateSimulation:
		patch := m.Patch
		if err := ownedBy(s, &patch.UserID); err != nil {
			return err
		}
		if patch.Status != nil && !patch.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, *patch.Status)
		}
		if err := o.repo.UpdateSimulation(ctx, patch); err != nil {
			return fmt.Errorf("updating simulation %s: %w", patch.ID, err)
		}
		return nil

	case protocol.DeleteSimulation:
		ref := m.Sim
		if err := ownedBy(s, &ref.UserID); err != nil {
			return err
		}
		return o.deleteLocked(ctx, ref)

	case protocol.GetSimulations:
		sims, err := o.repo.GetSimulations(ctx, s.UserID, m.ModelID)
		if err != nil {
			return fmt.Errorf("listing simulations: %w", err)
		}
		if sims == nil {
			sims = []protocol.JobConfig{}
		}
		o.reply(s, protocol.ReplySimulations, cmdid, protocol.SimulationsReply{Simulations: sims})
		return nil

	case protocol.GetLog:
		return o.getLogLocked(ctx, s, cmdid, m.SimID)

	case protocol.GetTrace:
		return o.getTraceLocked(ctx, s, cmdid, m.SimID)

	case protocol.GetSpatialStepTrace:
		step, err := o.repo.GetSpatialStepTrace(ctx, m.SimID, m.StepIdx)
		if err != nil {
			return fmt.Errorf("reading spatial step %d of %s: %w", m.StepIdx, m.SimID, err)
		}
		o.reply(s, protocol.ReplySpatialStepTrace, cmdid, protocol.SpatialStepTraceNotice{
			SimID:               m.SimID,
			SimSpatialStepTrace: step,
		})
		return nil

	case protocol.GetLastSpatialStepTraceIdx:
		idx, found, err := o.repo.GetLastSpatialStepTraceIdx(ctx, m.SimID)
		if err != nil {
			return fmt.Errorf("reading last spatial step of %s: %w", m.SimID, err)
		}
		var data *int
		if found {
			data = &idx
		}
		o.reply(s, protocol.ReplyLastSpatialStepTraceIdx, cmdid, data)
		return nil

	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownCommand, msg.Command())
	}
}

// ownedBy fills an empty userID with the session's user and rejects a
// different one.
func ownedBy(s *ClientSession, userID *string) error {
	switch *userID {
	case "":
		*userID = s.UserID
		return nil
	case s.UserID:
		return nil
	default:
		return ErrForbidden
	}
}

// deleteLocked cancels a job if it is still live, then removes its record
// and every result. Missing results are not an error.
func (o *Orchestrator) deleteLocked(ctx context.Context, ref protocol.SimRef) error {
	live := o.queue.Contains(ref.ID)
	if _, running := o.workers.FindByJobID(ref.ID); running {
		live = true
	}
	if live {
		if err := o.cancelLocked(ctx, ref); err != nil {
			return err
		}
	}

	var errs []error
	if err := o.repo.DeleteSimulation(ctx, ref); err != nil {
		errs = append(errs, fmt.Errorf("deleting record: %w", err))
	}
	if err := o.repo.DeleteSimSpatialTraces(ctx, ref.ID); err != nil {
		errs = append(errs, fmt.Errorf("deleting spatial traces: %w", err))
	}
	if err := o.repo.DeleteSimTrace(ctx, ref.ID); err != nil {
		errs = append(errs, fmt.Errorf("deleting trace: %w", err))
	}
	if err := o.repo.DeleteSimLog(ctx, ref.ID); err != nil {
		errs = append(errs, fmt.Errorf("deleting log: %w", err))
	}
	if err := o.traces.Remove(ref.ID); err != nil {
		errs = append(errs, fmt.Errorf("removing trace files: %w", err))
	}

	if !live {
		delete(o.statuses, ref.ID)
		delete(o.lastChunk, ref.ID)
	}
	o.logger.Info("simulation deleted", "job_id", ref.ID, "user_id", ref.UserID, "was_live", live)

	if len(errs) > 0 {
		return fmt.Errorf("deleting simulation %s: %w", ref.ID, errors.Join(errs...))
	}
	return nil
}

// GetLog answers a get_log request: live from the worker when the job is
// running, from the store otherwise.
func (o *Orchestrator) GetLog(ctx context.Context, s *ClientSession, cmdid json.RawMessage, simID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getLogLocked(ctx, s, cmdid, simID)
}

func (o *Orchestrator) getLogLocked(ctx context.Context, s *ClientSession, cmdid json.RawMessage, simID string) error {
	if o.requestLive(s, cmdid, simID, protocol.CmdGetTmpSimLog) {
		return nil
	}

	log, err := o.repo.GetSimLog(ctx, simID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log = protocol.SimLog{SimRef: protocol.SimRef{ID: simID}, Log: protocol.LogBook{}}
	case err != nil:
		return fmt.Errorf("reading log of %s: %w", simID, err)
	}
	o.reply(s, protocol.ReplyLog, cmdid, protocol.LogNotice{
		SimID:  simID,
		UserID: log.UserID,
		Log:    log.Log,
	})
	return nil
}

// GetTrace answers a get_trace request: live from the worker when the job
// is running, from the store otherwise.
func (o *Orchestrator) GetTrace(ctx context.Context, s *ClientSession, cmdid json.RawMessage, simID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getTraceLocked(ctx, s, cmdid, simID)
}

func (o *Orchestrator) getTraceLocked(ctx context.Context, s *ClientSession, cmdid json.RawMessage, simID string) error {
	if o.requestLive(s, cmdid, simID, protocol.CmdGetTmpSimTrace) {
		return nil
	}

	chunks, err := o.repo.GetSimTrace(ctx, simID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading trace of %s: %w", simID, err)
	}
	if chunks == nil {
		chunks = []protocol.SimTrace{}
	}
	var userID string
	if len(chunks) > 0 {
		userID = chunks[0].UserID
	}
	o.reply(s, protocol.ReplyTrace, cmdid, protocol.TraceReply{
		SimID:  simID,
		UserID: userID,
		Chunks: chunks,
	})
	return nil
}
