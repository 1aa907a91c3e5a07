package models

// Client frame types.
const (
	MsgPing              = "ping"
	MsgJobsList          = "jobs_list"
	MsgJobGet            = "job_get"
	MsgJobSubmitOrUpdate = "job_submit_or_update"
	MsgJobCancel         = "job_cancel"
	MsgJobState          = "job_state"
	MsgJobUpdate         = "job_update"
	MsgServerStatus      = "server_status"
)

// UpdateFieldKeys are the analysis fields copied from a merged info line into
// a job_update frame, in wire order.
var UpdateFieldKeys = []string{
	"multipv", "depth", "seldepth", "score_cp", "score_mate",
	"nodes", "nps", "bestmove", "pv",
}

// ClientFrame is one decoded request line from a client. Fields are pointers
// where the protocol distinguishes "absent" from a zero value.
type ClientFrame struct {
	Type            string         `json:"type"`
	IncludeFinished *bool          `json:"include_finished,omitempty"`
	Limit           *int           `json:"limit,omitempty"`
	JobID           string         `json:"job_id,omitempty"`
	LogTail         *int           `json:"log_tail,omitempty"`
	Job             *JobSubmission `json:"job,omitempty"`
}

// JobSubmission is the job payload of a job_submit_or_update frame.
type JobSubmission struct {
	ID         string `json:"id"`
	Opponent   string `json:"opponent"`
	FEN        string `json:"fen"`
	LimitType  *int   `json:"limit_type,omitempty"`
	LimitValue *int   `json:"limit_value,omitempty"`
	MultiPV    *int   `json:"multipv,omitempty"`
}

// ToPending applies the protocol defaults (limit_type=0, limit_value=30,
// multipv=1) and returns the submission as a PendingJob.
func (j *JobSubmission) ToPending() *PendingJob {
	p := &PendingJob{
		JobID:      j.ID,
		Opponent:   j.Opponent,
		FEN:        j.FEN,
		LimitType:  0,
		LimitValue: 30,
		MultiPV:    1,
	}
	if j.LimitType != nil {
		p.LimitType = *j.LimitType
	}
	if j.LimitValue != nil {
		p.LimitValue = *j.LimitValue
	}
	if j.MultiPV != nil && *j.MultiPV >= 1 {
		p.MultiPV = *j.MultiPV
	}
	return p
}

// ServerStatus is broadcast on connect, on every scheduler change, and in
// reply to ping.
type ServerStatus struct {
	Type         string `json:"type"`
	ServerID     string `json:"server_id"`
	Status       int    `json:"status"`
	RunningJobs  int    `json:"running_jobs"`
	MaxJobs      int    `json:"max_jobs"`
	Threads      int    `json:"threads"`
	LogicalCores int    `json:"logical_cores"`
}

// JobsListReply is the direct reply to a jobs_list request.
type JobsListReply struct {
	Type     string     `json:"type"`
	ServerID string     `json:"server_id"`
	Jobs     []*JobView `json:"jobs"`
}

// JobStateReply is the direct reply to a job_get request. Job is null when
// the id is unknown.
type JobStateReply struct {
	Type     string   `json:"type"`
	ServerID string   `json:"server_id"`
	Job      *JobView `json:"job"`
}
