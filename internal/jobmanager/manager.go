// Package jobmanager schedules analysis jobs over a bounded pool of engine
// processes and fans job state out to connected clients.
//
// The record set, active map and pending queue share one mutable world; every
// read-modify-write of them happens under a single exclusive lock that is
// never held across client writes, engine I/O or store calls. The client set
// is guarded separately by the Hub's own lock.
package jobmanager

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/bobmcallan/sfcluster/internal/common"
	"github.com/bobmcallan/sfcluster/internal/engine"
	"github.com/bobmcallan/sfcluster/internal/models"
)

// pendingCap bounds the pending queue; submissions beyond it are rejected
// with a terminal ERROR update.
const pendingCap = 10000

// restartAbortLine is appended to every job the startup reconciliation marks
// as errored. Clients grep for this exact string.
const restartAbortLine = "[server] restart: job aborted"

// Store is the persistence surface the manager uses. All calls are
// best-effort: failures are logged and in-memory state stays authoritative.
type Store interface {
	UpsertJob(rec *models.JobRecord) error
	AppendLog(jobID string, tsMS int64, line string) error
	FetchLogTail(jobID string, limit int) ([]string, error)
	LoadRecent(limit int) ([]*models.JobRecord, error)
	ReconcileIncomplete(nowMS int64) ([]string, error)
}

// Config holds the scheduling parameters.
type Config struct {
	ServerID  string
	Engine    engine.Config
	MaxJobs   int // concurrent drivers; 0 = unlimited
	LoadLimit int // records rehydrated by Bootstrap
}

// runner is the driver surface the scheduler needs; engine.Runner in
// production, a stub in tests.
type runner interface {
	Run() (int, models.InfoFields)
	RequestCancel()
}

// Manager owns the job world: known records, the active driver map and the
// pending FIFO.
type Manager struct {
	cfg    Config
	logger *common.Logger
	hub    *Hub
	store  Store // nil when persistence is disabled

	mu      sync.Mutex
	records map[string]*models.JobRecord
	active  map[string]runner
	pending []*models.PendingJob

	wg sync.WaitGroup

	newRunner func(job *models.PendingJob, emit engine.UpdateFunc) runner
}

// NewManager creates a manager. store may be nil.
func NewManager(cfg Config, st Store, logger *common.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		hub:     NewHub(logger),
		store:   st,
		records: make(map[string]*models.JobRecord),
		active:  make(map[string]runner),
	}
	m.newRunner = func(job *models.PendingJob, emit engine.UpdateFunc) runner {
		return engine.New(cfg.Engine, job, emit)
	}
	return m
}

// Hub returns the broadcast hub for connection registration.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job manager goroutine")
			}
		}()
		fn()
	}()
}

// Bootstrap reconciles and rehydrates persisted state. Jobs that were
// pending/queued/running when the previous process died cannot be resumed
// (their engine processes are gone) and are marked as errored.
func (m *Manager) Bootstrap() {
	if m.store == nil {
		return
	}

	now := models.EpochMS()
	ids, err := m.store.ReconcileIncomplete(now)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to reconcile incomplete jobs")
	}
	for _, id := range ids {
		if err := m.store.AppendLog(id, now, restartAbortLine); err != nil {
			m.logger.Warn().Str("job_id", id).Err(err).Msg("Failed to append restart log")
		}
	}
	if len(ids) > 0 {
		m.logger.Info().Int("count", len(ids)).Msg("Marked orphaned jobs as errored")
	}

	recs, err := m.store.LoadRecent(m.cfg.LoadLimit)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load job history")
		return
	}
	for _, rec := range recs {
		tail, err := m.store.FetchLogTail(rec.JobID, models.LogCapacity)
		if err != nil {
			m.logger.Warn().Str("job_id", rec.JobID).Err(err).Msg("Failed to load job log tail")
		} else {
			rec.Log = tail
		}
	}

	m.mu.Lock()
	for _, rec := range recs {
		m.records[rec.JobID] = rec
	}
	m.mu.Unlock()

	m.logger.Info().Int("count", len(recs)).Msg("Job history loaded")
}

// Stop cancels every active driver and waits for all job goroutines to reach
// a terminal state.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, r := range m.active {
		r.RequestCancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Job manager stopped")
}

// Submit registers a new job and either starts or queues it. Submission is
// idempotent by job id: ids already known (any state), active or queued are
// ignored entirely.
func (m *Manager) Submit(job *models.PendingJob) {
	m.mu.Lock()
	if _, known := m.records[job.JobID]; known {
		m.mu.Unlock()
		return
	}
	if _, running := m.active[job.JobID]; running {
		m.mu.Unlock()
		return
	}
	for _, p := range m.pending {
		if p.JobID == job.JobID {
			m.mu.Unlock()
			return
		}
	}

	rejected := false
	queued := false
	var r runner

	rec := models.NewJobRecordFromPending(job)
	m.records[job.JobID] = rec

	switch {
	case m.cfg.MaxJobs > 0 && len(m.active) >= m.cfg.MaxJobs:
		if len(m.pending) >= pendingCap {
			rejected = true
		} else {
			m.pending = append(m.pending, job)
			queued = true
		}
	default:
		r = m.newRunner(job, m.emitFunc(job.JobID))
		m.active[job.JobID] = r
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertJob(rec.CloneRecord()); err != nil {
			m.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Job store write failed")
		} else if err := m.store.AppendLog(job.JobID, models.EpochMS(), "submitted"); err != nil {
			m.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("Job store write failed")
		}
	}

	switch {
	case rejected:
		m.logger.Warn().Str("job_id", job.JobID).Int("cap", pendingCap).Msg("Pending queue full, rejecting job")
		m.sendJobUpdate(job.JobID, models.JobError, nil, "queue full")
	case queued:
		m.logger.Info().Str("job_id", job.JobID).Msg("Job queued")
		m.sendJobUpdate(job.JobID, models.JobQueued, nil, "queued")
	default:
		m.logger.Info().Str("job_id", job.JobID).Msg("Job started")
		jobID := job.JobID
		m.safeGo("job-"+jobID, func() { m.runJob(jobID, r) })
	}

	m.BroadcastStatus()

	if queued {
		// A slot may have freed since the capacity check above.
		m.tryStartNext()
	}
}

// Cancel cancels a job. Active jobs are cancelled cooperatively through
// their driver (which emits the terminal update); queued jobs are removed
// and terminated immediately. Terminal or unknown ids are no-ops.
func (m *Manager) Cancel(jobID string) {
	m.mu.Lock()
	if r, ok := m.active[jobID]; ok {
		m.mu.Unlock()
		r.RequestCancel()
		return
	}

	found := false
	for i, p := range m.pending {
		if p.JobID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return
	}

	m.sendJobUpdate(jobID, models.JobCancelled, nil, "cancelled (queued)")
	m.BroadcastStatus()
	m.tryStartNext()
}

// tryStartNext starts queued jobs while free slots remain.
func (m *Manager) tryStartNext() {
	for {
		m.mu.Lock()
		if m.cfg.MaxJobs > 0 && len(m.active) >= m.cfg.MaxJobs {
			m.mu.Unlock()
			return
		}
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		job := m.pending[0]
		m.pending = m.pending[1:]
		r := m.newRunner(job, m.emitFunc(job.JobID))
		m.active[job.JobID] = r
		m.mu.Unlock()

		m.logger.Info().Str("job_id", job.JobID).Msg("Job started from queue")
		jobID := job.JobID
		m.safeGo("job-"+jobID, func() { m.runJob(jobID, r) })
		m.BroadcastStatus()
	}
}

// runJob drives one job to completion and releases its slot.
func (m *Manager) runJob(jobID string, r runner) {
	m.sendJobUpdate(jobID, models.JobRunning, nil, "started")

	status, _ := r.Run()
	m.logger.Info().Str("job_id", jobID).Int("status", status).Msg("Job finished")

	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()

	m.BroadcastStatus()
	m.tryStartNext()
}

// emitFunc adapts a driver's update stream onto sendJobUpdate.
func (m *Manager) emitFunc(jobID string) engine.UpdateFunc {
	return func(status int, fields models.InfoFields, logLine string) {
		m.sendJobUpdate(jobID, status, fields, logLine)
	}
}

// ServerStatus builds the current server_status frame.
func (m *Manager) ServerStatus() *models.ServerStatus {
	m.mu.Lock()
	running := len(m.active)
	m.mu.Unlock()

	status := models.ServerOnline
	if m.cfg.MaxJobs > 0 && running >= m.cfg.MaxJobs {
		status = models.ServerDegraded
	}

	return &models.ServerStatus{
		Type:         models.MsgServerStatus,
		ServerID:     m.cfg.ServerID,
		Status:       status,
		RunningJobs:  running,
		MaxJobs:      m.cfg.MaxJobs,
		Threads:      m.cfg.Engine.Threads,
		LogicalCores: runtime.NumCPU(),
	}
}

// BroadcastStatus broadcasts the current server_status to every client.
func (m *Manager) BroadcastStatus() {
	m.hub.Broadcast(m.ServerStatus())
}

// Snapshot returns views of known records for jobs_list: newest first,
// optionally excluding terminal records, truncated to limit, with 200-line
// log tails.
func (m *Manager) Snapshot(includeFinished bool, limit int) []*models.JobView {
	if limit < 0 {
		limit = 0
	}

	m.mu.Lock()
	recs := make([]*models.JobRecord, 0, len(m.records))
	for _, rec := range m.records {
		if !includeFinished && rec.IsTerminal() {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAtMS > recs[j].CreatedAtMS
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	views := make([]*models.JobView, len(recs))
	for i, rec := range recs {
		views[i] = rec.ToView(200)
	}
	m.mu.Unlock()

	return views
}

// GetView returns the view of one record, or nil for unknown ids. When a
// store is configured and a tail was requested, the in-memory log is
// refreshed from the store first.
func (m *Manager) GetView(jobID string, logTail int) *models.JobView {
	m.mu.Lock()
	rec, ok := m.records[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.store != nil && logTail > 0 {
		if tail, err := m.store.FetchLogTail(jobID, logTail); err != nil {
			m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to refresh job log tail")
		} else {
			m.mu.Lock()
			rec.Log = tail
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	view := rec.ToView(logTail)
	m.mu.Unlock()
	return view
}

// sendJobUpdate routes one driver or scheduler update: mutate the record
// under the lock, then persist and broadcast after release. Updates for
// records already terminal are dropped, which keeps the one-terminal-
// transition invariant.
func (m *Manager) sendJobUpdate(jobID string, status int, fields models.InfoFields, logLine string) {
	ts := models.EpochMS()

	m.mu.Lock()
	rec, ok := m.records[jobID]
	if !ok {
		rec = models.NewJobRecord(jobID)
		m.records[jobID] = rec
	}
	if rec.IsTerminal() {
		m.mu.Unlock()
		return
	}

	rec.Status = status
	rec.LastUpdateMS = ts
	if status == models.JobRunning && rec.StartedAtMS == nil {
		v := ts
		rec.StartedAtMS = &v
	}
	if models.IsTerminal(status) && rec.FinishedAtMS == nil {
		v := ts
		rec.FinishedAtMS = &v
	}

	if len(fields) > 0 {
		rec.MergeParsed(fields)
		if bm, ok := fields["bestmove"].(string); ok {
			rec.Bestmove = bm
		}
	}
	if logLine != "" {
		rec.AppendLog(logLine)
	}

	var forStore *models.JobRecord
	if m.store != nil {
		forStore = rec.CloneRecord()
	}
	m.mu.Unlock()

	if forStore != nil {
		if err := m.store.UpsertJob(forStore); err != nil {
			m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Job store write failed")
		} else if logLine != "" {
			if err := m.store.AppendLog(jobID, ts, logLine); err != nil {
				m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Job store write failed")
			}
		}
	}

	frame := map[string]any{
		"type":   models.MsgJobUpdate,
		"job_id": jobID,
		"status": status,
	}
	for _, key := range models.UpdateFieldKeys {
		if v, ok := fields[key]; ok {
			frame[key] = v
		}
	}
	if logLine != "" {
		frame["log_line"] = logLine
	}
	m.hub.Broadcast(frame)
}
