package server

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/sfcluster/internal/common"
	"github.com/bobmcallan/sfcluster/internal/engine"
	"github.com/bobmcallan/sfcluster/internal/jobmanager"
	"github.com/bobmcallan/sfcluster/internal/models"
	"github.com/bobmcallan/sfcluster/internal/store"
)

func writeStubEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub engines are POSIX shell scripts")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub engine: %v", err)
	}
	return path
}

const finishingEngine = `
while read cmd rest; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go)
      echo "info depth 1 score cp 10 pv e2e4"
      echo "info depth 4 score cp 31 nodes 900 nps 9000 pv e2e4 e7e5"
      echo "bestmove e2e4"
      ;;
  esac
done
`

// blockingEngine emits one info after go and then holds the slot until it
// reads another command (the runner's stop), whereupon it finishes.
const blockingEngine = `
while read cmd rest; do
  case "$cmd" in
    uci) echo "uciok" ;;
    isready) echo "readyok" ;;
    go)
      echo "info depth 1 score cp 5 pv a2a3"
      read next
      echo "bestmove a2a3"
      ;;
  esac
done
`

// testClient drives one framed connection against a Server.
type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func newTestServer(t *testing.T, maxJobs int, enginePath string, st jobmanager.Store) *Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Server.ServerID = "srv-test"
	cfg.Engine.Path = enginePath
	cfg.Engine.Threads = 1
	cfg.Engine.MaxJobs = maxJobs

	logger := common.NewSilentLogger()
	manager := jobmanager.NewManager(jobmanager.Config{
		ServerID:  cfg.Server.ServerID,
		Engine:    engine.Config{Path: enginePath, Threads: 1},
		MaxJobs:   maxJobs,
		LoadLimit: 500,
	}, st, logger)
	manager.Bootstrap()

	return New(cfg, manager, logger)
}

func connect(t *testing.T, s *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go s.handleConn(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{t: t, conn: clientSide, rd: bufio.NewReader(clientSide)}
}

func (c *testClient) send(obj any) {
	c.t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

// next reads one frame.
func (c *testClient) next() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		c.t.Fatalf("decode frame %q: %v", line, err)
	}
	return frame
}

// until reads frames until pred matches, failing after the deadline.
func (c *testClient) until(what string, pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.next()
		if pred(frame) {
			return frame
		}
	}
	c.t.Fatalf("timed out waiting for %s", what)
	return nil
}

func isUpdate(jobID string, status int) func(map[string]any) bool {
	return func(f map[string]any) bool {
		return f["type"] == "job_update" && f["job_id"] == jobID && f["status"] == float64(status)
	}
}

func submitFrame(id, fen string, limitType, limitValue, multipv int) map[string]any {
	return map[string]any{
		"type": "job_submit_or_update",
		"job": map[string]any{
			"id": id, "fen": fen,
			"limit_type": limitType, "limit_value": limitValue, "multipv": multipv,
		},
	}
}

func TestConnectSendsServerStatus(t *testing.T) {
	s := newTestServer(t, 1, "unused", nil)
	c := connect(t, s)

	frame := c.until("server_status", func(f map[string]any) bool { return f["type"] == "server_status" })
	if frame["server_id"] != "srv-test" {
		t.Errorf("server_id = %v", frame["server_id"])
	}
	if frame["status"] != float64(models.ServerOnline) {
		t.Errorf("status = %v", frame["status"])
	}
	if frame["max_jobs"] != float64(1) {
		t.Errorf("max_jobs = %v", frame["max_jobs"])
	}
	if frame["logical_cores"] == float64(0) {
		t.Errorf("logical_cores = %v", frame["logical_cores"])
	}
}

func TestPingBroadcastsStatus(t *testing.T) {
	s := newTestServer(t, 1, "unused", nil)
	c := connect(t, s)
	c.until("initial status", func(f map[string]any) bool { return f["type"] == "server_status" })

	c.send(map[string]any{"type": "ping"})
	c.until("ping status", func(f map[string]any) bool { return f["type"] == "server_status" })
}

func TestSubmitAndFinish(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, finishingEngine), nil)
	c := connect(t, s)

	c.send(submitFrame("j1", "startfen", 0, 4, 1))

	running := c.until("running update", isUpdate("j1", models.JobRunning))
	if running["log_line"] != "started" {
		// The first RUNNING carries "started"; depth updates follow.
		t.Errorf("first running log_line = %v", running["log_line"])
	}

	c.until("depth update", func(f map[string]any) bool {
		return f["type"] == "job_update" && f["job_id"] == "j1" &&
			f["status"] == float64(models.JobRunning) && f["depth"] != nil
	})

	final := c.until("finished update", isUpdate("j1", models.JobFinished))
	if final["bestmove"] != "e2e4" {
		t.Errorf("bestmove = %v", final["bestmove"])
	}

	c.send(map[string]any{"type": "job_get", "job_id": "j1"})
	reply := c.until("job_state", func(f map[string]any) bool { return f["type"] == "job_state" })
	job := reply["job"].(map[string]any)
	if job["status"] != float64(models.JobFinished) {
		t.Errorf("job status = %v", job["status"])
	}
	if job["finished_at_ms"] == nil {
		t.Error("finished_at_ms is null")
	}
	snap := job["snapshot"].(map[string]any)
	if snap["bestmove"] != "e2e4" {
		t.Errorf("snapshot bestmove = %v", snap["bestmove"])
	}
}

func TestIdempotentResubmit(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, finishingEngine), nil)
	c := connect(t, s)

	c.send(submitFrame("j1", "startfen", 0, 4, 1))
	c.until("finished", isUpdate("j1", models.JobFinished))

	c.send(map[string]any{"type": "job_get", "job_id": "j1"})
	first := c.until("job_state", func(f map[string]any) bool { return f["type"] == "job_state" })
	created := first["job"].(map[string]any)["created_at_ms"]

	c.send(submitFrame("j1", "otherfen", 1, 60000, 2))
	c.send(map[string]any{"type": "job_get", "job_id": "j1"})

	// The duplicate must produce no job_update frames before the reply.
	var job map[string]any
	for {
		frame := c.next()
		if frame["type"] == "job_update" {
			t.Fatalf("job_update after duplicate submit: %v", frame)
		}
		if frame["type"] == "job_state" {
			job = frame["job"].(map[string]any)
			break
		}
	}
	if job["created_at_ms"] != created {
		t.Error("duplicate submit reset created_at_ms")
	}
	if job["fen"] != "startfen" {
		t.Errorf("duplicate submit overwrote fen: %v", job["fen"])
	}
}

func TestQueueThenCancelQueued(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, blockingEngine), nil)
	c := connect(t, s)

	c.send(submitFrame("j1", "f1", 1, 60000, 1))
	c.until("j1 running", isUpdate("j1", models.JobRunning))

	c.send(submitFrame("j2", "f2", 1, 60000, 1))
	queued := c.until("j2 queued", isUpdate("j2", models.JobQueued))
	if queued["log_line"] != "queued" {
		t.Errorf("queued log_line = %v", queued["log_line"])
	}

	c.send(map[string]any{"type": "job_cancel", "job_id": "j2"})
	cancelled := c.until("j2 cancelled", isUpdate("j2", models.JobCancelled))
	if cancelled["log_line"] != "cancelled (queued)" {
		t.Errorf("cancel log_line = %v", cancelled["log_line"])
	}

	// Release j1; j2 must not start.
	c.send(map[string]any{"type": "job_cancel", "job_id": "j1"})
	c.until("j1 terminal", isUpdate("j1", models.JobCancelled))

	c.send(map[string]any{"type": "job_get", "job_id": "j2"})
	reply := c.until("job_state", func(f map[string]any) bool { return f["type"] == "job_state" })
	if reply["job"].(map[string]any)["status"] != float64(models.JobCancelled) {
		t.Error("cancelled queued job restarted")
	}
}

func TestCancelRunningKeepsBestmove(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, blockingEngine), nil)
	c := connect(t, s)

	c.send(submitFrame("j1", "f", 1, 60000, 1))
	c.until("running with depth", func(f map[string]any) bool {
		return f["type"] == "job_update" && f["job_id"] == "j1" && f["depth"] != nil
	})

	c.send(map[string]any{"type": "job_cancel", "job_id": "j1"})
	final := c.until("cancelled", isUpdate("j1", models.JobCancelled))
	if final["bestmove"] != "a2a3" {
		t.Errorf("bestmove after stop = %v", final["bestmove"])
	}
}

func TestEngineCrashYieldsError(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, "exit 1\n"), nil)
	c := connect(t, s)

	c.send(submitFrame("j1", "f", 0, 1, 1))
	errFrame := c.until("error update", isUpdate("j1", models.JobError))
	log, _ := errFrame["log_line"].(string)
	if !strings.HasPrefix(log, "[job j1] Error:") {
		t.Errorf("error log_line = %q", log)
	}

	// The slot is released and the server reports ONLINE again.
	c.send(map[string]any{"type": "ping"})
	c.until("online status", func(f map[string]any) bool {
		return f["type"] == "server_status" &&
			f["status"] == float64(models.ServerOnline) &&
			f["running_jobs"] == float64(0)
	})
}

func TestMalformedFramesDropped(t *testing.T) {
	s := newTestServer(t, 1, "unused", nil)
	c := connect(t, s)
	c.until("initial status", func(f map[string]any) bool { return f["type"] == "server_status" })

	c.sendRaw("this is not json")
	c.sendRaw(`{"type":"wat"}`)
	c.sendRaw(`{"type":"job_submit_or_update","job":{"id":"","fen":""}}`)
	c.sendRaw(`{"type":"job_get","job_id":""}`)
	c.sendRaw(`{"type":"job_cancel"}`)

	// Connection survives and still answers.
	c.send(map[string]any{"type": "jobs_list"})
	reply := c.until("jobs_list", func(f map[string]any) bool { return f["type"] == "jobs_list" })
	jobs := reply["jobs"].([]any)
	if len(jobs) != 0 {
		t.Errorf("jobs = %v, want none from dropped submits", jobs)
	}
}

func TestJobGetUnknownIsNull(t *testing.T) {
	s := newTestServer(t, 1, "unused", nil)
	c := connect(t, s)

	c.send(map[string]any{"type": "job_get", "job_id": "ghost"})
	reply := c.until("job_state", func(f map[string]any) bool { return f["type"] == "job_state" })
	if reply["job"] != nil {
		t.Errorf("job = %v, want null", reply["job"])
	}
	if reply["server_id"] != "srv-test" {
		t.Errorf("server_id = %v", reply["server_id"])
	}
}

func TestJobsListFiltersTerminal(t *testing.T) {
	s := newTestServer(t, 1, writeStubEngine(t, finishingEngine), nil)
	c := connect(t, s)

	c.send(submitFrame("done", "f", 0, 1, 1))
	c.until("finished", isUpdate("done", models.JobFinished))

	c.send(map[string]any{"type": "jobs_list", "include_finished": true})
	reply := c.until("jobs_list", func(f map[string]any) bool { return f["type"] == "jobs_list" })
	if len(reply["jobs"].([]any)) != 1 {
		t.Errorf("jobs = %v", reply["jobs"])
	}

	c.send(map[string]any{"type": "jobs_list", "include_finished": false})
	reply = c.until("jobs_list", func(f map[string]any) bool { return f["type"] == "jobs_list" })
	if len(reply["jobs"].([]any)) != 0 {
		t.Errorf("filtered jobs = %v", reply["jobs"])
	}
}

func TestRestartReconciliation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	logger := common.NewSilentLogger()

	// First life: a job is mid-flight when the process dies.
	st1, err := store.Open(logger, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	rec := models.NewJobRecord("j1")
	rec.FEN = "f"
	rec.Status = models.JobRunning
	started := rec.CreatedAtMS + 1
	rec.StartedAtMS = &started
	if err := st1.UpsertJob(rec); err != nil {
		t.Fatal(err)
	}
	if err := st1.AppendLog("j1", started, "started"); err != nil {
		t.Fatal(err)
	}
	st1.Close()

	// Second life against the same file.
	st2, err := store.Open(logger, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st2.Close() })

	s := newTestServer(t, 1, "unused", st2)
	c := connect(t, s)

	c.send(map[string]any{"type": "jobs_list"})
	reply := c.until("jobs_list", func(f map[string]any) bool { return f["type"] == "jobs_list" })
	jobs := reply["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v", jobs)
	}
	job := jobs[0].(map[string]any)
	if job["status"] != float64(models.JobError) {
		t.Errorf("status = %v, want ERROR after restart", job["status"])
	}
	if job["finished_at_ms"] == nil {
		t.Error("finished_at_ms not stamped by reconciliation")
	}

	tail := job["log_tail"].([]any)
	found := false
	for _, l := range tail {
		if l == "[server] restart: job aborted" {
			found = true
		}
	}
	if !found {
		t.Errorf("log tail missing restart-abort line: %v", tail)
	}
}

func TestServerStartStopTCP(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ServerID = "srv-test"
	cfg.Engine.Path = "unused"

	logger := common.NewSilentLogger()
	manager := jobmanager.NewManager(jobmanager.Config{
		ServerID: "srv-test",
		Engine:   engine.Config{Path: "unused"},
		MaxJobs:  1,
	}, nil, logger)

	s := New(cfg, manager, logger)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	rd := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "server_status" {
		t.Errorf("greeting = %v", frame)
	}

	conn.Close()
	s.Stop()
}
