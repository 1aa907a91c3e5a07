// Package engine drives one analysis engine child process through the UCI
// init/analyse/terminate script, streaming parsed updates back to its owner.
package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bobmcallan/sfcluster/internal/models"
	"github.com/bobmcallan/sfcluster/internal/uci"
)

// Config holds the per-process engine settings shared by all runners.
type Config struct {
	Path    string // engine binary
	Threads int    // Threads option; 0 leaves the engine default
}

// UpdateFunc receives every streaming and terminal update a runner emits.
// Calls for one runner are sequential, in production order.
type UpdateFunc func(status int, fields models.InfoFields, logLine string)

// Runner owns one engine child process for one job. Create with New, drive
// with Run; RequestCancel may be called from any goroutine at any time.
type Runner struct {
	job  *models.PendingJob
	cfg  Config
	emit UpdateFunc

	cancelled atomic.Bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// New creates a runner for job. emit must be non-nil.
func New(cfg Config, job *models.PendingJob, emit UpdateFunc) *Runner {
	return &Runner{job: job, cfg: cfg, emit: emit}
}

// RequestCancel asks the runner to stop the engine and classify the job as
// cancelled. Level-triggered and idempotent; safe before and during Run.
func (r *Runner) RequestCancel() {
	r.cancelled.Store(true)
}

// Run executes the full engine script and returns the terminal status with
// the final multipv-1 fields. Exactly one terminal update is emitted on every
// path, and the child process is reaped on every path.
func (r *Runner) Run() (int, models.InfoFields) {
	status, fields, err := r.run()
	if err != nil {
		r.emit(models.JobError, models.InfoFields{},
			fmt.Sprintf("[job %s] Error: %v", r.job.JobID, err))
		return models.JobError, models.InfoFields{}
	}
	return status, fields
}

func (r *Runner) run() (int, models.InfoFields, error) {
	cmd := exec.Command(r.cfg.Path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // merge engine noise into the read stream

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("failed to start engine %s: %w", r.cfg.Path, err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReader(stdout)

	// The engine outlives bestmove; it is killed and reaped on every exit
	// path, including errors above the streaming loop.
	defer r.cleanup()

	if err := r.initEngine(); err != nil {
		return 0, nil, err
	}

	if err := r.send(r.goCommand()); err != nil {
		return 0, nil, err
	}

	return r.stream()
}

// initEngine performs the uci/isready handshake and applies options.
func (r *Runner) initEngine() error {
	if err := r.send("uci"); err != nil {
		return err
	}
	if err := r.readUntil("uciok"); err != nil {
		return err
	}

	if r.cfg.Threads > 0 {
		if err := r.send("setoption name Threads value " + strconv.Itoa(r.cfg.Threads)); err != nil {
			return err
		}
	}

	mpv := r.job.MultiPV
	if mpv < 1 {
		mpv = 1
	}
	if err := r.send("setoption name MultiPV value " + strconv.Itoa(mpv)); err != nil {
		return err
	}

	if err := r.send("isready"); err != nil {
		return err
	}
	if err := r.readUntil("readyok"); err != nil {
		return err
	}

	if err := r.send("ucinewgame"); err != nil {
		return err
	}
	return r.send("position fen " + r.job.FEN)
}

func (r *Runner) goCommand() string {
	switch r.job.LimitType {
	case models.LimitDepth:
		return "go depth " + strconv.Itoa(r.job.LimitValue)
	case models.LimitMovetime:
		return "go movetime " + strconv.Itoa(r.job.LimitValue)
	case models.LimitNodes:
		return "go nodes " + strconv.Itoa(r.job.LimitValue)
	default:
		return "go depth 20"
	}
}

// stream consumes engine output until the bestmove line, emitting a RUNNING
// update per info line. A pending cancel sends "stop" once; the bestmove the
// engine produces afterwards is the terminal event, classified CANCELLED.
func (r *Runner) stream() (int, models.InfoFields, error) {
	lastByMPV := make(map[int]models.InfoFields)
	stopSent := false

	for {
		if r.cancelled.Load() && !stopSent {
			if err := r.send("stop"); err != nil {
				return 0, nil, err
			}
			stopSent = true
		}

		line, err := r.readLine()
		if err != nil {
			return 0, nil, fmt.Errorf("engine terminated unexpectedly: %w", err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info"):
			parsed := uci.ParseInfoLine(line)
			mpv := models.MPVOf(parsed)
			cur := lastByMPV[mpv]
			if cur == nil {
				cur = make(models.InfoFields, len(parsed)+1)
			}
			for k, v := range parsed {
				cur[k] = v
			}
			cur["multipv"] = mpv
			lastByMPV[mpv] = cur
			r.emit(models.JobRunning, cur.Clone(), line)

		case strings.HasPrefix(line, "bestmove"):
			finalStatus := models.JobFinished
			if r.cancelled.Load() {
				finalStatus = models.JobCancelled
			}

			fields := lastByMPV[1].Clone()
			for k, v := range uci.ParseBestmoveLine(line) {
				fields[k] = v
			}
			fields["multipv"] = 1

			r.emit(finalStatus, fields, line)
			return finalStatus, fields, nil
		}
	}
}

func (r *Runner) send(cmd string) error {
	if _, err := io.WriteString(r.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("engine write %q: %w", cmd, err)
	}
	return nil
}

func (r *Runner) readLine() (string, error) {
	line, err := r.stdout.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readUntil consumes lines until one equals token. EOF beforehand is an
// init-phase error.
func (r *Runner) readUntil(token string) error {
	for {
		line, err := r.readLine()
		if err != nil {
			return fmt.Errorf("engine closed stdout waiting for %s: %w", token, err)
		}
		if line == token {
			return nil
		}
	}
}

// cleanup force-terminates the child if still alive and reaps it, swallowing
// lookup errors for processes that already exited.
func (r *Runner) cleanup() {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	_ = r.cmd.Process.Kill()
	_ = r.cmd.Wait()
}
