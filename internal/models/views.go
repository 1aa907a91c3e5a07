package models

import (
	"sort"
	"strconv"
)

// JobView is the external JSON representation of a JobRecord, embedded in
// jobs_list and job_state replies.
type JobView struct {
	ID           string       `json:"id"`
	Opponent     string       `json:"opponent"`
	FEN          string       `json:"fen"`
	LimitType    int          `json:"limit_type"`
	LimitValue   int          `json:"limit_value"`
	MultiPV      int          `json:"multipv"`
	Status       int          `json:"status"`
	CreatedAtMS  int64        `json:"created_at_ms"`
	StartedAtMS  *int64       `json:"started_at_ms"`
	FinishedAtMS *int64       `json:"finished_at_ms"`
	LastUpdateMS int64        `json:"last_update_ms"`
	Snapshot     InfoFields   `json:"snapshot"`
	Lines        []InfoFields `json:"lines"`
	LogTail      []string     `json:"log_tail"`
}

// ToView produces the external view of the record with a log tail of at most
// logTail lines.
//
// Snapshot is the multipv-1 line enriched with the bestmove; Lines holds every
// stored multipv line sorted by integer index. Keys that cannot be parsed as
// integers (corrupt store blobs) are skipped.
func (r *JobRecord) ToView(logTail int) *JobView {
	mpvKeys := make([]int, 0, len(r.LastByMPV))
	for k := range r.LastByMPV {
		if i, err := strconv.Atoi(k); err == nil {
			mpvKeys = append(mpvKeys, i)
		}
	}
	sort.Ints(mpvKeys)

	lines := make([]InfoFields, 0, len(mpvKeys))
	for _, mpv := range mpvKeys {
		line := r.MPVLine(mpv).Clone()
		line["multipv"] = mpv
		lines = append(lines, line)
	}

	snap := r.MPVLine(1).Clone()
	if r.Bestmove != "" {
		snap["bestmove"] = r.Bestmove
	}
	if len(snap) > 0 {
		snap["multipv"] = 1
	}

	tail := r.Log
	if logTail < 0 {
		logTail = 0
	}
	if len(tail) > logTail {
		tail = tail[len(tail)-logTail:]
	}
	tailCopy := make([]string, len(tail))
	copy(tailCopy, tail)

	return &JobView{
		ID:           r.JobID,
		Opponent:     r.Opponent,
		FEN:          r.FEN,
		LimitType:    r.LimitType,
		LimitValue:   r.LimitValue,
		MultiPV:      r.MultiPV,
		Status:       r.Status,
		CreatedAtMS:  r.CreatedAtMS,
		StartedAtMS:  r.StartedAtMS,
		FinishedAtMS: r.FinishedAtMS,
		LastUpdateMS: r.LastUpdateMS,
		Snapshot:     snap,
		Lines:        lines,
		LogTail:      tailCopy,
	}
}
