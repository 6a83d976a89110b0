// Package protocol defines the WebSocket message types exchanged between
// browser clients, the simrouter orchestrator, and simulation workers.
//
// Two independent channels exist:
//
//   - client channel (/ws):  {cmd, cmdid, data} in both directions
//   - worker channel (/sim): router → worker {cmd, cmdid, data},
//     worker → router {message, cmdid, data}
//
// The cmdid is an opaque correlation id chosen by the requester. It is
// carried as raw JSON so it can be echoed back byte-for-byte.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownCommand is returned (wrapped) for an unrecognised tag.
var ErrUnknownCommand = errors.New("unknown command")

// ClientCommand identifies a client → router request.
type ClientCommand string

const (
	CmdRunSimulation              ClientCommand = "run_simulation"
	CmdCancelSimulation           ClientCommand = "cancel_simulation"
	CmdCreateSimulation           ClientCommand = "create_simulation"
	CmdUpdateSimulation           ClientCommand = "update_simulation"
	CmdDeleteSimulation           ClientCommand = "delete_simulation"
	CmdGetSimulations             ClientCommand = "get_simulations"
	CmdGetLog                     ClientCommand = "get_log"
	CmdGetTrace                   ClientCommand = "get_trace"
	CmdGetSpatialStepTrace        ClientCommand = "get_spatial_step_trace"
	CmdGetLastSpatialStepTraceIdx ClientCommand = "get_last_spatial_step_trace_idx"
)

// Router → client reply and notification names.
const (
	ReplySimStatus               = "simStatus"
	ReplySimProgress             = "simProgress"
	ReplySimTrace                = "simTrace"
	ReplySimLogMessage           = "simLogMessage"
	ReplySimLog                  = "simLog"
	ReplySimSpatialStepTrace     = "simSpatialStepTrace"
	ReplyLog                     = "log"
	ReplyTrace                   = "trace"
	ReplyTmpSimLog               = "tmp_sim_log"
	ReplyTmpSimTrace             = "tmp_sim_trace"
	ReplySimulations             = "simulations"
	ReplySpatialStepTrace        = "spatial_step_trace"
	ReplyLastSpatialStepTraceIdx = "last_spatial_step_trace_idx"
	ReplyError                   = "error"
)

// WorkerMessageType identifies a worker → router message.
type WorkerMessageType string

const (
	MsgWorkerConnect       WorkerMessageType = "worker_connect"
	MsgStatus              WorkerMessageType = "status"
	MsgSimProgress         WorkerMessageType = "simProgress"
	MsgSimTrace            WorkerMessageType = "simTrace"
	MsgSimStatus           WorkerMessageType = "simStatus"
	MsgSimLogMessage       WorkerMessageType = "simLogMessage"
	MsgSimLog              WorkerMessageType = "simLog"
	MsgSimSpatialStepTrace WorkerMessageType = "simSpatialStepTrace"
	MsgTmpSimLog           WorkerMessageType = "tmp_sim_log"
	MsgTmpSimTrace         WorkerMessageType = "tmp_sim_trace"
)

// WorkerCommandType identifies a router → worker command.
type WorkerCommandType string

const (
	CmdRunSim         WorkerCommandType = "run_sim"
	CmdCancelSim      WorkerCommandType = "cancel_sim"
	CmdGetTmpSimLog   WorkerCommandType = "get_tmp_sim_log"
	CmdGetTmpSimTrace WorkerCommandType = "get_tmp_sim_trace"
)

// --- Envelopes ---

// ClientEnvelope is the frame format of the client channel, and of
// router → worker commands.
type ClientEnvelope struct {
	Cmd   string          `json:"cmd"`
	CmdID json.RawMessage `json:"cmdid"`
	Data  json.RawMessage `json:"data"`
}

// WorkerEnvelope is the frame format of worker → router messages.
type WorkerEnvelope struct {
	Message WorkerMessageType `json:"message"`
	CmdID   json.RawMessage   `json:"cmdid"`
	Data    json.RawMessage   `json:"data"`
}

// --- Client → router requests ---

// ClientMessage is a parsed client request. The set of implementations is
// closed; consumers switch over the concrete types.
type ClientMessage interface {
	Command() ClientCommand
	CorrelationID() json.RawMessage
	clientMessage()
}

type clientBase struct {
	CmdID json.RawMessage `json:"-"`
}

func (b clientBase) CorrelationID() json.RawMessage { return b.CmdID }
func (clientBase) clientMessage()                   {}

// RunSimulation submits a job.
type RunSimulation struct {
	clientBase
	Job JobConfig
}

// CancelSimulation cancels a job by id. A full JobConfig as data is accepted;
// only id and userId are read.
type CancelSimulation struct {
	clientBase
	Sim SimRef
}

// CreateSimulation stores a simulation record without scheduling it.
type CreateSimulation struct {
	clientBase
	Simulation JobConfig
}

// UpdateSimulation applies a partial update to a simulation record.
type UpdateSimulation struct {
	clientBase
	Patch SimulationPatch
}

// DeleteSimulation cancels (if needed) and removes a simulation and its results.
type DeleteSimulation struct {
	clientBase
	Sim SimRef
}

// GetSimulations lists the caller's simulations for a model.
type GetSimulations struct {
	clientBase
	ModelID string `json:"modelId"`
}

// GetLog requests the log of a job (live if running, stored otherwise).
type GetLog struct {
	clientBase
	SimID string
}

// GetTrace requests the trace of a job (live if running, stored otherwise).
type GetTrace struct {
	clientBase
	SimID string
}

// GetSpatialStepTrace requests one stored spatial sample.
type GetSpatialStepTrace struct {
	clientBase
	SimID   string `json:"simId"`
	StepIdx int    `json:"stepIdx"`
}

// GetLastSpatialStepTraceIdx requests the highest stored spatial step index.
type GetLastSpatialStepTraceIdx struct {
	clientBase
	SimID string `json:"simId"`
}

func (RunSimulation) Command() ClientCommand              { return CmdRunSimulation }
func (CancelSimulation) Command() ClientCommand           { return CmdCancelSimulation }
func (CreateSimulation) Command() ClientCommand           { return CmdCreateSimulation }
func (UpdateSimulation) Command() ClientCommand           { return CmdUpdateSimulation }
func (DeleteSimulation) Command() ClientCommand           { return CmdDeleteSimulation }
func (GetSimulations) Command() ClientCommand             { return CmdGetSimulations }
func (GetLog) Command() ClientCommand                     { return CmdGetLog }
func (GetTrace) Command() ClientCommand                   { return CmdGetTrace }
func (GetSpatialStepTrace) Command() ClientCommand        { return CmdGetSpatialStepTrace }
func (GetLastSpatialStepTraceIdx) Command() ClientCommand { return CmdGetLastSpatialStepTraceIdx }

// SimulationPatch is a partial update of a simulation record. Nil fields are
// left untouched.
type SimulationPatch struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        *string    `json:"name,omitempty"`
	Annotation  *string    `json:"annotation,omitempty"`
	Status      *SimStatus `json:"status,omitempty"`
	Description *string    `json:"description,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
}

// ParseClientMessage reads a raw client frame and returns the typed request.
// The returned CmdID is valid even when err != nil, so the caller can still
// address an error reply.
func ParseClientMessage(data []byte) (ClientMessage, json.RawMessage, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("parsing client envelope: %w", err)
	}
	base := clientBase{CmdID: env.CmdID}

	switch ClientCommand(env.Cmd) {
	case CmdRunSimulation:
		msg := RunSimulation{clientBase: base}
		if err := unmarshalData(env.Data, &msg.Job); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing run_simulation: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdCancelSimulation:
		msg := CancelSimulation{clientBase: base}
		if err := unmarshalData(env.Data, &msg.Sim); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing cancel_simulation: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdCreateSimulation:
		msg := CreateSimulation{clientBase: base}
		if err := unmarshalData(env.Data, &msg.Simulation); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing create_simulation: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdUpdateSimulation:
		msg := UpdateSimulation{clientBase: base}
		if err := unmarshalData(env.Data, &msg.Patch); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing update_simulation: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdDeleteSimulation:
		msg := DeleteSimulation{clientBase: base}
		if err := unmarshalData(env.Data, &msg.Sim); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing delete_simulation: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdGetSimulations:
		msg := GetSimulations{clientBase: base}
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing get_simulations: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdGetLog:
		msg := GetLog{clientBase: base}
		if err := unmarshalData(env.Data, &msg.SimID); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing get_log: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdGetTrace:
		msg := GetTrace{clientBase: base}
		if err := unmarshalData(env.Data, &msg.SimID); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing get_trace: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdGetSpatialStepTrace:
		msg := GetSpatialStepTrace{clientBase: base}
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing get_spatial_step_trace: %w", err)
		}
		return msg, env.CmdID, nil

	case CmdGetLastSpatialStepTraceIdx:
		msg := GetLastSpatialStepTraceIdx{clientBase: base}
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, env.CmdID, fmt.Errorf("parsing get_last_spatial_step_trace_idx: %w", err)
		}
		return msg, env.CmdID, nil

	default:
		return nil, env.CmdID, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
	}
}

// --- Worker → router messages ---

// WorkerMessage is a parsed worker → router message. The set of
// implementations is closed.
type WorkerMessage interface {
	MessageName() WorkerMessageType
	payload() any
}

// WorkerConnect is the handshake announcement. Job is set when the worker is
// already executing a job (it reconnected mid-run).
type WorkerConnect struct {
	Job *JobConfig
}

// WorkerStatus advertises whether the worker can accept a job.
type WorkerStatus struct {
	State WorkerState
}

// TmpSimLog answers get_tmp_sim_log with the in-memory log of a running job.
type TmpSimLog struct {
	CmdID json.RawMessage `json:"-"`
	Log   LogBook         `json:"log"`
}

// TmpSimTrace answers get_tmp_sim_trace with the chunks produced so far.
type TmpSimTrace struct {
	CmdID  json.RawMessage `json:"-"`
	Chunks []SimTrace      `json:"chunks"`
}

func (WorkerConnect) MessageName() WorkerMessageType       { return MsgWorkerConnect }
func (WorkerStatus) MessageName() WorkerMessageType        { return MsgStatus }
func (SimProgress) MessageName() WorkerMessageType         { return MsgSimProgress }
func (SimTrace) MessageName() WorkerMessageType            { return MsgSimTrace }
func (SimStatusEvent) MessageName() WorkerMessageType      { return MsgSimStatus }
func (SimLogMessage) MessageName() WorkerMessageType       { return MsgSimLogMessage }
func (SimLog) MessageName() WorkerMessageType              { return MsgSimLog }
func (SimSpatialStepTrace) MessageName() WorkerMessageType { return MsgSimSpatialStepTrace }
func (TmpSimLog) MessageName() WorkerMessageType           { return MsgTmpSimLog }
func (TmpSimTrace) MessageName() WorkerMessageType         { return MsgTmpSimTrace }

func (m WorkerConnect) payload() any       { return m.Job }
func (m WorkerStatus) payload() any        { return m.State }
func (m SimProgress) payload() any         { return m }
func (m SimTrace) payload() any            { return m }
func (m SimStatusEvent) payload() any      { return m }
func (m SimLogMessage) payload() any       { return m }
func (m SimLog) payload() any              { return m }
func (m SimSpatialStepTrace) payload() any { return m }
func (m TmpSimLog) payload() any           { return m }
func (m TmpSimTrace) payload() any         { return m }

// ParseWorkerMessage reads a raw worker frame and returns the typed message.
func ParseWorkerMessage(data []byte) (WorkerMessage, error) {
	var env WorkerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing worker envelope: %w", err)
	}

	switch env.Message {
	case MsgWorkerConnect:
		var msg WorkerConnect
		if isNull(env.Data) {
			return msg, nil
		}
		var job JobConfig
		if err := json.Unmarshal(env.Data, &job); err != nil {
			return nil, fmt.Errorf("parsing worker_connect: %w", err)
		}
		msg.Job = &job
		return msg, nil

	case MsgStatus:
		var msg WorkerStatus
		if err := unmarshalData(env.Data, &msg.State); err != nil {
			return nil, fmt.Errorf("parsing status: %w", err)
		}
		if msg.State != WorkerReady && msg.State != WorkerBusy {
			return nil, fmt.Errorf("parsing status: invalid worker state %q", msg.State)
		}
		return msg, nil

	case MsgSimProgress:
		var msg SimProgress
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simProgress: %w", err)
		}
		return msg, nil

	case MsgSimTrace:
		var msg SimTrace
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simTrace: %w", err)
		}
		return msg, nil

	case MsgSimStatus:
		var msg SimStatusEvent
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simStatus: %w", err)
		}
		if !msg.Status.Valid() {
			return nil, fmt.Errorf("parsing simStatus: invalid status %q", msg.Status)
		}
		return msg, nil

	case MsgSimLogMessage:
		var msg SimLogMessage
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simLogMessage: %w", err)
		}
		return msg, nil

	case MsgSimLog:
		var msg SimLog
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simLog: %w", err)
		}
		return msg, nil

	case MsgSimSpatialStepTrace:
		var msg SimSpatialStepTrace
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing simSpatialStepTrace: %w", err)
		}
		return msg, nil

	case MsgTmpSimLog:
		msg := TmpSimLog{CmdID: env.CmdID}
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tmp_sim_log: %w", err)
		}
		return msg, nil

	case MsgTmpSimTrace:
		msg := TmpSimTrace{CmdID: env.CmdID}
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tmp_sim_trace: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Message)
	}
}

// MarshalWorkerMessage builds a worker → router frame.
func MarshalWorkerMessage(cmdid json.RawMessage, msg WorkerMessage) ([]byte, error) {
	data, err := json.Marshal(msg.payload())
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msg.MessageName(), err)
	}
	frame, err := json.Marshal(WorkerEnvelope{Message: msg.MessageName(), CmdID: cmdid, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return frame, nil
}

// --- Router → worker commands ---

// WorkerCommand is a parsed router → worker command. The set of
// implementations is closed.
type WorkerCommand interface {
	CommandName() WorkerCommandType
	commandPayload() any
}

// RunSim assigns a job to the worker.
type RunSim struct {
	Job JobConfig
}

// CancelSim asks the worker to terminate the named job.
type CancelSim struct {
	Sim SimRef
}

// GetTmpSimLog asks for the in-memory log of the running job.
type GetTmpSimLog struct {
	CmdID json.RawMessage
}

// GetTmpSimTrace asks for the in-memory trace chunks of the running job.
type GetTmpSimTrace struct {
	CmdID json.RawMessage
}

func (RunSim) CommandName() WorkerCommandType         { return CmdRunSim }
func (CancelSim) CommandName() WorkerCommandType      { return CmdCancelSim }
func (GetTmpSimLog) CommandName() WorkerCommandType   { return CmdGetTmpSimLog }
func (GetTmpSimTrace) CommandName() WorkerCommandType { return CmdGetTmpSimTrace }

func (c RunSim) commandPayload() any       { return c.Job }
func (c CancelSim) commandPayload() any    { return c.Sim }
func (GetTmpSimLog) commandPayload() any   { return nil }
func (GetTmpSimTrace) commandPayload() any { return nil }

func commandCmdID(c WorkerCommand) json.RawMessage {
	switch m := c.(type) {
	case GetTmpSimLog:
		return m.CmdID
	case GetTmpSimTrace:
		return m.CmdID
	}
	return nil
}

// MarshalWorkerCommand builds a router → worker frame.
func MarshalWorkerCommand(c WorkerCommand) ([]byte, error) {
	data, err := json.Marshal(c.commandPayload())
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", c.CommandName(), err)
	}
	frame, err := json.Marshal(ClientEnvelope{Cmd: string(c.CommandName()), CmdID: commandCmdID(c), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	return frame, nil
}

// ParseWorkerCommand reads a raw router → worker frame.
func ParseWorkerCommand(data []byte) (WorkerCommand, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing command envelope: %w", err)
	}

	switch WorkerCommandType(env.Cmd) {
	case CmdRunSim:
		var cmd RunSim
		if err := unmarshalData(env.Data, &cmd.Job); err != nil {
			return nil, fmt.Errorf("parsing run_sim: %w", err)
		}
		return cmd, nil

	case CmdCancelSim:
		var cmd CancelSim
		if !isNull(env.Data) {
			if err := json.Unmarshal(env.Data, &cmd.Sim); err != nil {
				return nil, fmt.Errorf("parsing cancel_sim: %w", err)
			}
		}
		return cmd, nil

	case CmdGetTmpSimLog:
		return GetTmpSimLog{CmdID: env.CmdID}, nil

	case CmdGetTmpSimTrace:
		return GetTmpSimTrace{CmdID: env.CmdID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
	}
}

// --- Router → client frames ---

// NewClientFrame marshals a router → client frame.
func NewClientFrame(cmd string, cmdid json.RawMessage, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", cmd, err)
	}
	frame, err := json.Marshal(ClientEnvelope{Cmd: cmd, CmdID: cmdid, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling frame: %w", err)
	}
	return frame, nil
}

// StatusNotice is broadcast to clients on every status transition.
type StatusNotice struct {
	SimID       string    `json:"simId"`
	Status      SimStatus `json:"status"`
	Description string    `json:"description,omitempty"`
}

// ProgressNotice is broadcast to clients on progress updates.
type ProgressNotice struct {
	SimID    string  `json:"simId"`
	Progress float64 `json:"progress"`
}

// TraceNotice wraps a streamed trace chunk for clients.
type TraceNotice struct {
	SimID string `json:"simId"`
	SimTrace
}

// LogMessageNotice wraps an ephemeral log line for clients.
type LogMessageNotice struct {
	SimID string `json:"simId"`
	SimLogMessage
}

// LogNotice carries a full job log (broadcast at job end, or a get_log reply).
type LogNotice struct {
	SimID  string  `json:"simId"`
	UserID string  `json:"userId"`
	Log    LogBook `json:"log"`
}

// SpatialStepTraceNotice wraps a spatial sample for clients.
type SpatialStepTraceNotice struct {
	SimID string `json:"simId"`
	SimSpatialStepTrace
}

// TraceReply answers get_trace / tmp_sim_trace with all known chunks.
type TraceReply struct {
	SimID  string     `json:"simId"`
	UserID string     `json:"userId"`
	Chunks []SimTrace `json:"chunks"`
}

// SimulationsReply answers get_simulations.
type SimulationsReply struct {
	Simulations []JobConfig `json:"simulations"`
}

// ErrorReply reports a failed request to its sender.
type ErrorReply struct {
	Message string `json:"message"`
}

func unmarshalData(data json.RawMessage, v any) error {
	if isNull(data) {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
