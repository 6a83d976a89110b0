package protocol

import "encoding/json"

// SolverKind selects which external solver runs a job.
type SolverKind string

const (
	SolverSteps SolverKind = "steps" // spatial reaction-diffusion
	SolverNFSim SolverKind = "nfsim" // rule-based network simulation
)

// SimStatus is the lifecycle state of a simulation job.
type SimStatus string

const (
	StatusCreated   SimStatus = "created"
	StatusQueued    SimStatus = "queued"
	StatusInit      SimStatus = "init"
	StatusStarted   SimStatus = "started"
	StatusError     SimStatus = "error"
	StatusFinished  SimStatus = "finished"
	StatusCancelled SimStatus = "cancelled"
)

// IsTerminal reports whether no further transition may follow s.
func (s SimStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s SimStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusQueued, StatusInit, StatusStarted,
		StatusError, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

// WorkerState is what a worker advertises with a status message.
type WorkerState string

const (
	WorkerReady WorkerState = "ready"
	WorkerBusy  WorkerState = "busy"
)

// JobConfig is a submitted simulation. The router stores a private copy at
// submission and never mutates it after the job is handed to a worker.
type JobConfig struct {
	ID         string          `json:"id" validate:"required"`
	UserID     string          `json:"userId" validate:"required"`
	ModelID    string          `json:"modelId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Annotation string          `json:"annotation,omitempty"`
	Solver     SolverKind      `json:"solver" validate:"required,oneof=steps nfsim"`
	SolverConf SolverConfig    `json:"solverConf"`
	Model      json.RawMessage `json:"model,omitempty"`

	// Record fields, maintained by the router in the persisted copy.
	Status      SimStatus `json:"status,omitempty"`
	Description string    `json:"description,omitempty"`
	Progress    float64   `json:"progress,omitempty"`
}

// SolverConfig holds the run parameters shared by both solvers.
// Stimulation, SpatialSampling and any other keys (kept in Extra, e.g. the
// STEPS "stimuli" list) are passed through to the solver untouched.
type SolverConfig struct {
	TEnd            float64         `json:"tEnd" validate:"gt=0"`
	DT              float64         `json:"dt" validate:"gt=0"`
	Stimulation     json.RawMessage `json:"stimulation,omitempty"`
	SpatialSampling json.RawMessage `json:"spatialSampling,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// solverConfigFields has SolverConfig's layout without its JSON methods.
type solverConfigFields SolverConfig

var solverConfigKeys = []string{"tEnd", "dt", "stimulation", "spatialSampling"}

func (c *SolverConfig) UnmarshalJSON(b []byte) error {
	var f solverConfigFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range solverConfigKeys {
		delete(all, k)
	}
	f.Extra = nil
	if len(all) > 0 {
		f.Extra = all
	}
	*c = SolverConfig(f)
	return nil
}

func (c SolverConfig) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(solverConfigFields(c))
	if err != nil || len(c.Extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := all[k]; !known {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Ref returns the identifying pair of the job.
func (j JobConfig) Ref() SimRef {
	return SimRef{ID: j.ID, UserID: j.UserID}
}

// Clone returns a copy that shares no mutable memory with j.
func (j JobConfig) Clone() JobConfig {
	c := j
	c.Model = cloneRaw(j.Model)
	c.SolverConf.Stimulation = cloneRaw(j.SolverConf.Stimulation)
	c.SolverConf.SpatialSampling = cloneRaw(j.SolverConf.SpatialSampling)
	if j.SolverConf.Extra != nil {
		c.SolverConf.Extra = make(map[string]json.RawMessage, len(j.SolverConf.Extra))
		for k, v := range j.SolverConf.Extra {
			c.SolverConf.Extra[k] = cloneRaw(v)
		}
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

// SimRef identifies a job and its owner. It is the minimal cancellation
// payload on both channels.
type SimRef struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// LogBook is an accumulated job log keyed by source ("system", "solver", ...).
type LogBook map[string][]string

// --- Job events (produced by the solver, tagged by the worker) ---

// SimProgress reports completion percentage in [0, 100].
type SimProgress struct {
	SimRef
	Progress float64 `json:"progress"`
}

// SimTrace is one chunk of the scalar time series. Chunks of a job carry
// strictly increasing indices and together cover the run without overlap.
type SimTrace struct {
	SimRef
	Index       int                  `json:"index"`
	Persist     bool                 `json:"persist"`
	Stream      bool                 `json:"stream"`
	TraceTarget string               `json:"traceTarget,omitempty"`
	Times       []float64            `json:"times"`
	Values      map[string][]float64 `json:"values"`
	Observables []string             `json:"observables,omitempty"`
	Species     []string             `json:"species,omitempty"`
}

// SimStatusEvent carries a worker-reported status transition.
type SimStatusEvent struct {
	SimRef
	Status      SimStatus `json:"status"`
	Description string    `json:"description,omitempty"`
	Log         LogBook   `json:"log,omitempty"`
}

// SimLogMessage is a single ephemeral log line; it is broadcast, never stored.
type SimLogMessage struct {
	SimRef
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// SimLog is the full accumulated log of a job, usually sent once at the end.
type SimLog struct {
	SimRef
	Log LogBook `json:"log"`
}

// SimSpatialStepTrace is one spatial sample of a reaction-diffusion run.
type SimSpatialStepTrace struct {
	SimRef
	StepIdx int             `json:"stepIdx"`
	T       float64         `json:"t"`
	Values  json.RawMessage `json:"values"`
}
