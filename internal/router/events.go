package router

import (
	"context"
	"encoding/json"

	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/protocol"
)

// ProcessWorkerMessage applies one message received from worker workerID.
// Messages of one connection must be passed in receipt order.
func (o *Orchestrator) ProcessWorkerMessage(ctx context.Context, workerID string, msg protocol.WorkerMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.workers.Get(workerID)
	if !ok {
		o.logger.Warn("message from unregistered worker",
			"worker_id", workerID,
			"message", msg.MessageName(),
		)
		return
	}

	switch m := msg.(type) {
	case protocol.WorkerConnect:
		o.logger.Warn("duplicate worker_connect ignored", "worker_id", workerID)

	case protocol.WorkerStatus:
		o.handleWorkerStatus(ctx, w, m.State)

	case protocol.TmpSimLog:
		r, ok := o.takeRelay(w, m.CmdID, protocol.CmdGetTmpSimLog)
		if !ok {
			return
		}
		o.reply(r.session, protocol.ReplyTmpSimLog, r.cmdid, protocol.LogNotice{
			SimID:  r.simID,
			UserID: r.userID,
			Log:    m.Log,
		})

	case protocol.TmpSimTrace:
		r, ok := o.takeRelay(w, m.CmdID, protocol.CmdGetTmpSimTrace)
		if !ok {
			return
		}
		chunks := m.Chunks
		if chunks == nil {
			chunks = []protocol.SimTrace{}
		}
		o.reply(r.session, protocol.ReplyTmpSimTrace, r.cmdid, protocol.TraceReply{
			SimID:  r.simID,
			UserID: r.userID,
			Chunks: chunks,
		})

	case protocol.SimProgress:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			o.handleProgress(ctx, job.Ref(), m.Progress)
		}

	case protocol.SimTrace:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			m.SimRef = job.Ref()
			o.handleTrace(ctx, m)
		}

	case protocol.SimStatusEvent:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			m.SimRef = job.Ref()
			o.handleSimStatus(ctx, m)
		}

	case protocol.SimLogMessage:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			m.SimRef = job.Ref()
			o.broadcast(job.UserID, protocol.ReplySimLogMessage, protocol.LogMessageNotice{
				SimID:         job.ID,
				SimLogMessage: m,
			})
		}

	case protocol.SimLog:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			m.SimRef = job.Ref()
			o.handleSimLog(ctx, m)
		}

	case protocol.SimSpatialStepTrace:
		if job := o.assignedJob(w, m.ID, msg); job != nil {
			m.SimRef = job.Ref()
			o.handleSpatialStep(ctx, m)
		}

	default:
		o.logger.Warn("unhandled worker message", "worker_id", workerID, "message", msg.MessageName())
	}
}

// assignedJob returns the job of w if the event belongs to it. Events for
// any other job, or from a free worker, are dropped.
func (o *Orchestrator) assignedJob(w *WorkerSession, simID string, msg protocol.WorkerMessage) *protocol.JobConfig {
	if w.Job == nil {
		o.logger.Warn("job event from free worker dropped",
			"worker_id", w.ID,
			"job_id", simID,
			"message", msg.MessageName(),
		)
		return nil
	}
	if simID != "" && simID != w.Job.ID {
		o.logger.Warn("event for unassigned job dropped",
			"worker_id", w.ID,
			"job_id", simID,
			"assigned_job_id", w.Job.ID,
			"message", msg.MessageName(),
		)
		return nil
	}
	return w.Job
}

func (o *Orchestrator) handleWorkerStatus(ctx context.Context, w *WorkerSession, state protocol.WorkerState) {
	switch state {
	case protocol.WorkerReady:
		job := o.workers.MarkFree(w.ID)
		if job != nil {
			delete(o.lastChunk, job.ID)
			if cur := o.statuses[job.ID]; !cur.IsTerminal() {
				o.logger.Warn("worker released job without terminal status",
					"worker_id", w.ID,
					"job_id", job.ID,
					"status", cur,
				)
				o.failJob(ctx, job.Ref(), "worker released the job without reporting a result")
			}
		}
		o.runAvailable(ctx)

	case protocol.WorkerBusy:
		o.logger.Debug("worker busy", "worker_id", w.ID, "has_job", w.Busy())

	default:
		o.logger.Warn("unknown worker state", "worker_id", w.ID, "state", state)
	}
}

func (o *Orchestrator) handleProgress(ctx context.Context, ref protocol.SimRef, progress float64) {
	err := o.repo.UpdateSimulation(ctx, protocol.SimulationPatch{
		ID:       ref.ID,
		UserID:   ref.UserID,
		Progress: &progress,
	})
	if err != nil {
		o.logger.Warn("persisting progress", "job_id", ref.ID, "error", err)
	}
	o.broadcast(ref.UserID, protocol.ReplySimProgress, protocol.ProgressNotice{
		SimID:    ref.ID,
		Progress: progress,
	})
}

func (o *Orchestrator) handleTrace(ctx context.Context, chunk protocol.SimTrace) {
	if last, seen := o.lastChunk[chunk.ID]; seen && chunk.Index <= last {
		o.logger.Warn("non-increasing trace chunk dropped",
			"job_id", chunk.ID,
			"index", chunk.Index,
			"last_index", last,
		)
		return
	}
	o.lastChunk[chunk.ID] = chunk.Index

	if chunk.Persist {
		if elem, err := json.Marshal(chunk); err != nil {
			o.logger.Error("encoding trace chunk", "job_id", chunk.ID, "error", err)
		} else if err := o.traces.Append(chunk.ID, store.TraceKindScalar, elem); err != nil {
			o.logger.Error("appending trace file", "job_id", chunk.ID, "error", err)
		}
		if err := o.repo.CreateSimTrace(ctx, chunk); err != nil {
			o.logger.Warn("persisting trace chunk", "job_id", chunk.ID, "index", chunk.Index, "error", err)
		}
	}
	if chunk.Stream {
		o.broadcast(chunk.UserID, protocol.ReplySimTrace, protocol.TraceNotice{
			SimID:    chunk.ID,
			SimTrace: chunk,
		})
	}
}

func (o *Orchestrator) handleSimStatus(ctx context.Context, ev protocol.SimStatusEvent) {
	if !workerReportable(ev.Status) {
		o.logger.Warn("sim status not reportable by a worker dropped", "job_id", ev.ID, "status", ev.Status)
		return
	}
	if !o.setStatus(ctx, ev.SimRef, ev.Status, ev.Description, nil) {
		return
	}

	switch {
	case len(ev.Log) > 0:
		if err := o.repo.CreateSimLog(ctx, protocol.SimLog{SimRef: ev.SimRef, Log: ev.Log}); err != nil {
			o.logger.Warn("persisting status log", "job_id", ev.ID, "error", err)
		}
	case ev.Status == protocol.StatusError && ev.Description != "":
		o.storeSystemLog(ctx, ev.SimRef, ev.Description)
	}

	if ev.Status.IsTerminal() {
		o.logger.Info("job finished",
			"job_id", ev.ID,
			"user_id", ev.UserID,
			"status", ev.Status,
		)
	}
}

// workerReportable reports whether a worker may set status s. created,
// queued and cancelled belong to the router.
func workerReportable(s protocol.SimStatus) bool {
	switch s {
	case protocol.StatusInit, protocol.StatusStarted, protocol.StatusError, protocol.StatusFinished:
		return true
	}
	return false
}

func (o *Orchestrator) handleSimLog(ctx context.Context, log protocol.SimLog) {
	if err := o.repo.CreateSimLog(ctx, log); err != nil {
		o.logger.Warn("persisting sim log", "job_id", log.ID, "error", err)
	}
	o.broadcast(log.UserID, protocol.ReplySimLog, protocol.LogNotice{
		SimID:  log.ID,
		UserID: log.UserID,
		Log:    log.Log,
	})
}

func (o *Orchestrator) handleSpatialStep(ctx context.Context, step protocol.SimSpatialStepTrace) {
	if err := o.repo.CreateSimSpatialStepTrace(ctx, step); err != nil {
		o.logger.Warn("persisting spatial step", "job_id", step.ID, "step_idx", step.StepIdx, "error", err)
	}
	if elem, err := json.Marshal(step); err != nil {
		o.logger.Error("encoding spatial step", "job_id", step.ID, "error", err)
	} else if err := o.traces.Append(step.ID, store.TraceKindSpatial, elem); err != nil {
		o.logger.Error("appending spatial trace file", "job_id", step.ID, "error", err)
	}
	o.broadcast(step.UserID, protocol.ReplySimSpatialStepTrace, protocol.SpatialStepTraceNotice{
		SimID:               step.ID,
		SimSpatialStepTrace: step,
	})
}

// takeRelay resolves and forgets the pending relay answered by a tmp_sim_*
// message. Replies to unknown ids, from another worker, or of the wrong kind
// are dropped.
func (o *Orchestrator) takeRelay(w *WorkerSession, cmdid json.RawMessage, kind protocol.WorkerCommandType) (relay, bool) {
	key := string(cmdid)
	r, ok := o.relays[key]
	if !ok {
		o.logger.Warn("reply for unknown request dropped", "worker_id", w.ID, "cmdid", key)
		return relay{}, false
	}
	if r.workerID != w.ID || r.kind != kind {
		o.logger.Warn("mismatched relay reply dropped",
			"worker_id", w.ID,
			"expected_worker_id", r.workerID,
			"cmdid", key,
		)
		return relay{}, false
	}
	delete(o.relays, key)
	return r, true
}
