package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseWorkerMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    WorkerMessage
		wantErr bool
	}{
		{
			name:  "status ready",
			input: `{"message":"status","data":"ready","cmdid":null}`,
			want:  WorkerStatus{State: WorkerReady},
		},
		{
			name:    "status with unknown state",
			input:   `{"message":"status","data":"sleeping"}`,
			wantErr: true,
		},
		{
			name:  "worker_connect idle",
			input: `{"message":"worker_connect","data":null}`,
			want:  WorkerConnect{},
		},
		{
			name:  "worker_connect mid-job",
			input: `{"message":"worker_connect","data":{"id":"sim-1","userId":"u1","solver":"nfsim","solverConf":{"tEnd":10,"dt":0.1}}}`,
			want: WorkerConnect{Job: &JobConfig{
				ID:         "sim-1",
				UserID:     "u1",
				Solver:     SolverNFSim,
				SolverConf: SolverConfig{TEnd: 10, DT: 0.1},
			}},
		},
		{
			name:  "progress",
			input: `{"message":"simProgress","data":{"id":"sim-1","userId":"u1","progress":42.5}}`,
			want:  SimProgress{SimRef: SimRef{ID: "sim-1", UserID: "u1"}, Progress: 42.5},
		},
		{
			name:  "trace chunk",
			input: `{"message":"simTrace","data":{"id":"sim-1","userId":"u1","index":3,"persist":true,"stream":false,"times":[0.3,0.4],"values":{"A":[1,2]}}}`,
			want: SimTrace{
				SimRef:  SimRef{ID: "sim-1", UserID: "u1"},
				Index:   3,
				Persist: true,
				Times:   []float64{0.3, 0.4},
				Values:  map[string][]float64{"A": {1, 2}},
			},
		},
		{
			name:  "status event",
			input: `{"message":"simStatus","data":{"id":"sim-1","userId":"u1","status":"error","description":"solver crashed"}}`,
			want: SimStatusEvent{
				SimRef:      SimRef{ID: "sim-1", UserID: "u1"},
				Status:      StatusError,
				Description: "solver crashed",
			},
		},
		{
			name:    "status event with unknown status",
			input:   `{"message":"simStatus","data":{"id":"sim-1","status":"exploded"}}`,
			wantErr: true,
		},
		{
			name:  "full log",
			input: `{"message":"simLog","data":{"id":"sim-1","userId":"u1","log":{"system":["a","b"]}}}`,
			want: SimLog{
				SimRef: SimRef{ID: "sim-1", UserID: "u1"},
				Log:    LogBook{"system": {"a", "b"}},
			},
		},
		{
			name:    "missing data",
			input:   `{"message":"simProgress"}`,
			wantErr: true,
		},
		{
			name:    "unknown message",
			input:   `{"message":"simTeleport","data":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `{"message":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWorkerMessage([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mismatch:\n  got:  %#v\n  want: %#v", got, tt.want)
			}
		})
	}
}

func TestParseWorkerMessage_UnknownIsSentinel(t *testing.T) {
	_, err := ParseWorkerMessage([]byte(`{"message":"nope"}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestParseWorkerMessage_TmpRepliesKeepCmdID(t *testing.T) {
	got, err := ParseWorkerMessage([]byte(`{"message":"tmp_sim_log","cmdid":"c-7","data":{"log":{"solver":["x"]}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := got.(TmpSimLog)
	if !ok {
		t.Fatalf("expected TmpSimLog, got %T", got)
	}
	if string(m.CmdID) != `"c-7"` {
		t.Errorf("cmdid: got %s, want %q", m.CmdID, `"c-7"`)
	}
	if len(m.Log["solver"]) != 1 {
		t.Errorf("log not parsed: %v", m.Log)
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCmd   ClientCommand
		wantCmdID string
		check     func(t *testing.T, msg ClientMessage)
	}{
		{
			name:      "run_simulation",
			input:     `{"cmd":"run_simulation","cmdid":1,"data":{"id":"sim-1","userId":"u1","solver":"steps","solverConf":{"tEnd":1,"dt":0.01}}}`,
			wantCmd:   CmdRunSimulation,
			wantCmdID: `1`,
			check: func(t *testing.T, msg ClientMessage) {
				job := msg.(RunSimulation).Job
				if job.ID != "sim-1" || job.Solver != SolverSteps || job.SolverConf.DT != 0.01 {
					t.Errorf("job not parsed: %+v", job)
				}
			},
		},
		{
			name:      "cancel_simulation minimal form",
			input:     `{"cmd":"cancel_simulation","cmdid":"a","data":{"id":"sim-1","userId":"u1"}}`,
			wantCmd:   CmdCancelSimulation,
			wantCmdID: `"a"`,
			check: func(t *testing.T, msg ClientMessage) {
				if got := msg.(CancelSimulation).Sim; got != (SimRef{ID: "sim-1", UserID: "u1"}) {
					t.Errorf("sim ref: got %+v", got)
				}
			},
		},
		{
			name:    "cancel_simulation full config form",
			input:   `{"cmd":"cancel_simulation","cmdid":null,"data":{"id":"sim-1","userId":"u1","solver":"nfsim","name":"x"}}`,
			wantCmd: CmdCancelSimulation,
			check: func(t *testing.T, msg ClientMessage) {
				if got := msg.(CancelSimulation).Sim.ID; got != "sim-1" {
					t.Errorf("id: got %q", got)
				}
			},
		},
		{
			name:      "get_log takes a bare job id",
			input:     `{"cmd":"get_log","cmdid":"q","data":"sim-9"}`,
			wantCmd:   CmdGetLog,
			wantCmdID: `"q"`,
			check: func(t *testing.T, msg ClientMessage) {
				if got := msg.(GetLog).SimID; got != "sim-9" {
					t.Errorf("sim id: got %q", got)
				}
			},
		},
		{
			name:    "get_spatial_step_trace",
			input:   `{"cmd":"get_spatial_step_trace","cmdid":2,"data":{"simId":"sim-2","stepIdx":17}}`,
			wantCmd: CmdGetSpatialStepTrace,
			check: func(t *testing.T, msg ClientMessage) {
				m := msg.(GetSpatialStepTrace)
				if m.SimID != "sim-2" || m.StepIdx != 17 {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			name:    "update_simulation partial",
			input:   `{"cmd":"update_simulation","cmdid":3,"data":{"id":"sim-3","userId":"u1","name":"renamed"}}`,
			wantCmd: CmdUpdateSimulation,
			check: func(t *testing.T, msg ClientMessage) {
				p := msg.(UpdateSimulation).Patch
				if p.Name == nil || *p.Name != "renamed" {
					t.Errorf("name not set: %+v", p)
				}
				if p.Status != nil || p.Progress != nil {
					t.Errorf("unset fields should stay nil: %+v", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, cmdid, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Command() != tt.wantCmd {
				t.Errorf("command: got %q, want %q", msg.Command(), tt.wantCmd)
			}
			if tt.wantCmdID != "" && string(cmdid) != tt.wantCmdID {
				t.Errorf("cmdid: got %s, want %s", cmdid, tt.wantCmdID)
			}
			if string(msg.CorrelationID()) != string(cmdid) {
				t.Errorf("CorrelationID() = %s, returned cmdid = %s", msg.CorrelationID(), cmdid)
			}
			tt.check(t, msg)
		})
	}
}

func TestParseClientMessage_ErrorsKeepCmdID(t *testing.T) {
	_, cmdid, err := ParseClientMessage([]byte(`{"cmd":"get_log","cmdid":"keep-me","data":{"not":"a string"}}`))
	if err == nil {
		t.Fatal("expected error for malformed data")
	}
	if string(cmdid) != `"keep-me"` {
		t.Errorf("cmdid should survive a data error, got %s", cmdid)
	}

	_, cmdid, err = ParseClientMessage([]byte(`{"cmd":"launch_rocket","cmdid":5}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if string(cmdid) != `5` {
		t.Errorf("cmdid: got %s, want 5", cmdid)
	}
}

func TestWorkerCommandRoundTrip(t *testing.T) {
	job := JobConfig{ID: "sim-1", UserID: "u1", Solver: SolverSteps, SolverConf: SolverConfig{TEnd: 1, DT: 0.1}}
	cmds := []WorkerCommand{
		RunSim{Job: job},
		CancelSim{Sim: job.Ref()},
		GetTmpSimLog{CmdID: json.RawMessage(`"r-1"`)},
		GetTmpSimTrace{CmdID: json.RawMessage(`"r-2"`)},
	}

	for _, c := range cmds {
		t.Run(string(c.CommandName()), func(t *testing.T) {
			data, err := MarshalWorkerCommand(c)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := ParseWorkerCommand(data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(got, c) {
				t.Errorf("mismatch:\n  got:  %#v\n  want: %#v", got, c)
			}
		})
	}
}

func TestMarshalWorkerMessage_Envelope(t *testing.T) {
	data, err := MarshalWorkerMessage(json.RawMessage(`"c-1"`), WorkerStatus{State: WorkerBusy})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"message":"status","cmdid":"c-1","data":"busy"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestNewClientFrame_NullCmdID(t *testing.T) {
	data, err := NewClientFrame(ReplySimStatus, nil, StatusNotice{SimID: "sim-1", Status: StatusQueued})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"cmd":"simStatus","cmdid":null,"data":{"simId":"sim-1","status":"queued"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestSimStatus_IsTerminal(t *testing.T) {
	terminal := map[SimStatus]bool{
		StatusCreated:   false,
		StatusQueued:    false,
		StatusInit:      false,
		StatusStarted:   false,
		StatusError:     true,
		StatusFinished:  true,
		StatusCancelled: true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestJobConfig_CloneIsIndependent(t *testing.T) {
	orig := JobConfig{ID: "sim-1", Model: json.RawMessage(`{"a":1}`)}
	c := orig.Clone()
	c.Model[2] = 'b'
	if string(orig.Model) != `{"a":1}` {
		t.Errorf("clone shares model bytes with original: %s", orig.Model)
	}
}

func TestSolverConfig_KeepsExtraKeys(t *testing.T) {
	in := `{"tEnd":1,"dt":0.1,"stimulation":{"type":"simple"},"stimuli":[{"t":0.5,"species":"Ca","value":2}],"seed":7}`

	var conf SolverConfig
	if err := json.Unmarshal([]byte(in), &conf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if conf.TEnd != 1 || conf.DT != 0.1 || string(conf.Stimulation) != `{"type":"simple"}` {
		t.Fatalf("known fields = %+v", conf)
	}
	if len(conf.Extra) != 2 || string(conf.Extra["seed"]) != "7" {
		t.Fatalf("Extra = %v", conf.Extra)
	}

	out, err := json.Marshal(JobConfig{ID: "A", UserID: "u1", Solver: SolverSteps, SolverConf: conf})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back struct {
		SolverConf map[string]any `json:"solverConf"`
	}
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var want map[string]any
	_ = json.Unmarshal([]byte(in), &want)
	if !reflect.DeepEqual(back.SolverConf, want) {
		t.Fatalf("solverConf = %v, want %v", back.SolverConf, want)
	}
}

func TestSolverConfig_NoExtraKeys(t *testing.T) {
	var conf SolverConfig
	if err := json.Unmarshal([]byte(`{"tEnd":2,"dt":1}`), &conf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if conf.Extra != nil {
		t.Fatalf("Extra = %v, want nil", conf.Extra)
	}
	out, _ := json.Marshal(conf)
	if string(out) != `{"tEnd":2,"dt":1}` {
		t.Fatalf("Marshal = %s", out)
	}
}

func TestJobConfig_CloneCopiesSolverExtras(t *testing.T) {
	orig := JobConfig{ID: "sim-1", SolverConf: SolverConfig{
		Extra: map[string]json.RawMessage{"stimuli": json.RawMessage(`[1]`)},
	}}
	c := orig.Clone()
	c.SolverConf.Extra["stimuli"][1] = '2'
	c.SolverConf.Extra["seed"] = json.RawMessage(`3`)
	if string(orig.SolverConf.Extra["stimuli"]) != `[1]` || len(orig.SolverConf.Extra) != 1 {
		t.Errorf("clone shares extras with original: %v", orig.SolverConf.Extra)
	}
}
