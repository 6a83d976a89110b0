package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/auxothq/simrouter/internal/store"
	"github.com/auxothq/simrouter/pkg/auth"
	"github.com/auxothq/simrouter/pkg/protocol"
)

func newTestServer(t *testing.T, keyHash string) *httptest.Server {
	t.Helper()
	return startTestServer(t, keyHash, nil)
}

// startTestServer is newTestServer with a hook to adjust the config and
// wrap the store before the server is built.
func startTestServer(t *testing.T, keyHash string, tweak func(cfg *Config, repo *store.Repository)) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "sim.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	traces, err := store.NewTraceFiles(filepath.Join(dir, "traces"))
	if err != nil {
		t.Fatalf("trace files: %v", err)
	}

	cfg := &Config{
		Host:                "127.0.0.1",
		Port:                8000,
		Store:               store.BackendSQLite,
		TraceDir:            filepath.Join(dir, "traces"),
		WorkerKeyHash:       keyHash,
		PingInterval:        time.Second,
		DeadWorkerTimeout:   5 * time.Second,
		StoreMaxAttempts:    1,
		StoreInitialBackoff: time.Millisecond,
		StoreMaxBackoff:     time.Millisecond,
		StoreOpTimeout:      time.Second,
	}
	var wrapped store.Repository = repo
	if tweak != nil {
		tweak(cfg, &wrapped)
	}
	srv := newServer(cfg, wrapped, traces, prometheus.NewRegistry(), testLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		repo.Close()
	})
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dialing %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one named cmd arrives.
func readUntil(t *testing.T, conn *websocket.Conn, cmd string) protocol.ClientEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", cmd, err)
		}
		var env protocol.ClientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if env.Cmd == cmd {
			return env
		}
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("GET /health = %d %q", resp.StatusCode, body)
	}
}

func TestServer_MetricsExposed(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output lacks Go runtime collector")
	}
}

func TestServer_ClientWithoutUserIDClosed(t *testing.T) {
	ts := newTestServer(t, "")

	conn := dial(t, wsURL(ts, "/ws"), nil)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()

	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want close frame", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestServer_WorkerKeyRequired(t *testing.T) {
	key, err := auth.GenerateWorkerKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	ts := newTestServer(t, key.Hash)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sim"), nil)
	if err == nil {
		t.Fatal("dial without key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without key: resp = %v, want 401", resp)
	}

	bad := http.Header{WorkerKeyHeader: {"wrk_not-the-key"}}
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/sim"), bad)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with wrong key: err = %v", err)
	}

	good := http.Header{WorkerKeyHeader: {key.Key}}
	dial(t, wsURL(ts, "/sim"), good)
}

func TestServer_EndToEnd(t *testing.T) {
	ts := newTestServer(t, "")

	worker := dial(t, wsURL(ts, "/sim"), nil)
	hello, err := protocol.MarshalWorkerMessage(nil, protocol.WorkerConnect{})
	if err != nil {
		t.Fatalf("marshal worker_connect: %v", err)
	}
	if err := worker.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatalf("sending worker_connect: %v", err)
	}

	client := dial(t, wsURL(ts, "/ws?userId=u1"), nil)
	run := `{"cmd":"run_simulation","cmdid":1,"data":{"id":"A","userId":"u1","modelId":"m1","solver":"steps","solverConf":{"tEnd":1,"dt":0.1}}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(run)); err != nil {
		t.Fatalf("sending run_simulation: %v", err)
	}

	// The worker receives the job.
	_ = worker.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	cmd, err := protocol.ParseWorkerCommand(data)
	if err != nil {
		t.Fatalf("parsing command: %v", err)
	}
	rs, ok := cmd.(protocol.RunSim)
	if !ok || rs.Job.ID != "A" {
		t.Fatalf("worker got %#v, want run_sim A", cmd)
	}

	send := func(msg protocol.WorkerMessage) {
		t.Helper()
		frame, err := protocol.MarshalWorkerMessage(nil, msg)
		if err != nil {
			t.Fatalf("marshal %s: %v", msg.MessageName(), err)
		}
		if err := worker.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatalf("sending %s: %v", msg.MessageName(), err)
		}
	}
	ref := rs.Job.Ref()
	send(protocol.SimProgress{SimRef: ref, Progress: 50})
	send(protocol.SimStatusEvent{SimRef: ref, Status: protocol.StatusFinished})
	send(protocol.WorkerStatus{State: protocol.WorkerReady})

	progress := readUntil(t, client, protocol.ReplySimProgress)
	var pn protocol.ProgressNotice
	if err := json.Unmarshal(progress.Data, &pn); err != nil || pn.Progress != 50 {
		t.Fatalf("progress = %s (%v)", progress.Data, err)
	}
	for {
		env := readUntil(t, client, protocol.ReplySimStatus)
		var sn protocol.StatusNotice
		if err := json.Unmarshal(env.Data, &sn); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if sn.Status == protocol.StatusFinished {
			break
		}
	}

	get := `{"cmd":"get_simulations","cmdid":"list","data":{"modelId":"m1"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(get)); err != nil {
		t.Fatalf("sending get_simulations: %v", err)
	}
	env := readUntil(t, client, protocol.ReplySimulations)
	if string(env.CmdID) != `"list"` {
		t.Errorf("cmdid = %s, want \"list\"", env.CmdID)
	}
	var list protocol.SimulationsReply
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decoding simulations: %v", err)
	}
	if len(list.Simulations) != 1 || list.Simulations[0].Status != protocol.StatusFinished {
		t.Fatalf("simulations = %+v", list.Simulations)
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding /status: %v", err)
	}
	if len(snap.Workers) != 1 || snap.Clients != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestServer_MalformedClientFrame(t *testing.T) {
	ts := newTestServer(t, "")
	client := dial(t, wsURL(ts, "/ws?userId=u1"), nil)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"launch","cmdid":9}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readUntil(t, client, protocol.ReplyError)
	if string(env.CmdID) != "9" {
		t.Fatalf("cmdid = %s, want 9", env.CmdID)
	}
}

// slowRepo delays every simulation update.
type slowRepo struct {
	store.Repository
	delay time.Duration
}

func (r slowRepo) UpdateSimulation(ctx context.Context, p protocol.SimulationPatch) error {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Repository.UpdateSimulation(ctx, p)
}

func TestServer_SlowStoreDoesNotDropWorker(t *testing.T) {
	ts := startTestServer(t, "", func(cfg *Config, repo *store.Repository) {
		cfg.PingInterval = 100 * time.Millisecond
		cfg.DeadWorkerTimeout = 400 * time.Millisecond
		*repo = slowRepo{Repository: *repo, delay: 150 * time.Millisecond}
	})

	worker := dial(t, wsURL(ts, "/sim"), nil)
	hello, err := protocol.MarshalWorkerMessage(nil, protocol.WorkerConnect{})
	if err != nil {
		t.Fatalf("marshal worker_connect: %v", err)
	}
	if err := worker.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatalf("sending worker_connect: %v", err)
	}

	// Reading answers the router's pings.
	frames := make(chan []byte, 16)
	go func() {
		for {
			_, data, err := worker.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()

	client := dial(t, wsURL(ts, "/ws?userId=u1"), nil)
	run := `{"cmd":"run_simulation","cmdid":1,"data":{"id":"A","userId":"u1","modelId":"m1","solver":"nfsim","solverConf":{"tEnd":1,"dt":0.1}}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(run)); err != nil {
		t.Fatalf("sending run_simulation: %v", err)
	}
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("worker connection closed before run_sim")
		}
		if cmd, err := protocol.ParseWorkerCommand(data); err != nil {
			t.Fatalf("parsing command: %v", err)
		} else if _, ok := cmd.(protocol.RunSim); !ok {
			t.Fatalf("worker got %#v, want run_sim", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no run_sim")
	}

	// Ten progress updates keep the orchestrator busy far past the dead
	// worker timeout.
	ref := protocol.SimRef{ID: "A", UserID: "u1"}
	for i := 1; i <= 10; i++ {
		frame, _ := protocol.MarshalWorkerMessage(nil, protocol.SimProgress{SimRef: ref, Progress: float64(i * 10)})
		if err := worker.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatalf("sending progress: %v", err)
		}
	}
	frame, _ := protocol.MarshalWorkerMessage(nil, protocol.SimStatusEvent{SimRef: ref, Status: protocol.StatusFinished})
	if err := worker.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("sending finished: %v", err)
	}

	for {
		env := readUntil(t, client, protocol.ReplySimStatus)
		var sn protocol.StatusNotice
		if err := json.Unmarshal(env.Data, &sn); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if sn.Status == protocol.StatusError {
			t.Fatalf("job failed: %s", sn.Description)
		}
		if sn.Status == protocol.StatusFinished {
			break
		}
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding /status: %v", err)
	}
	if len(snap.Workers) != 1 {
		t.Fatalf("workers = %+v, want the busy worker still connected", snap.Workers)
	}
}
