package server

import (
	"encoding/json"
	"strings"

	"github.com/bobmcallan/sfcluster/internal/jobmanager"
	"github.com/bobmcallan/sfcluster/internal/models"
)

// Protocol defaults and bounds for request fields. A zero limit or log_tail
// falls back to the default, matching established client behavior.
const (
	defaultListLimit = 200
	defaultLogTail   = 2000
	maxLogTail       = 20000
)

// dispatch decodes one request line and routes it. Malformed frames and
// unknown types are dropped silently.
func (s *Server) dispatch(client *jobmanager.Client, line string) {
	var frame models.ClientFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return
	}

	switch frame.Type {
	case models.MsgPing:
		s.manager.BroadcastStatus()

	case models.MsgJobsList:
		s.handleJobsList(client, &frame)

	case models.MsgJobGet:
		s.handleJobGet(client, &frame)

	case models.MsgJobSubmitOrUpdate:
		s.handleSubmit(&frame)

	case models.MsgJobCancel:
		if frame.JobID != "" {
			s.manager.Cancel(frame.JobID)
		}
	}
}

func (s *Server) handleJobsList(client *jobmanager.Client, frame *models.ClientFrame) {
	includeFinished := true
	if frame.IncludeFinished != nil {
		includeFinished = *frame.IncludeFinished
	}
	limit := defaultListLimit
	if frame.Limit != nil && *frame.Limit != 0 {
		limit = *frame.Limit
	}

	s.manager.Hub().SendTo(client, &models.JobsListReply{
		Type:     models.MsgJobsList,
		ServerID: s.cfg.Server.ServerID,
		Jobs:     s.manager.Snapshot(includeFinished, limit),
	})
}

func (s *Server) handleJobGet(client *jobmanager.Client, frame *models.ClientFrame) {
	if frame.JobID == "" {
		return
	}
	logTail := defaultLogTail
	if frame.LogTail != nil && *frame.LogTail != 0 {
		logTail = *frame.LogTail
	}
	if logTail < 0 {
		logTail = 0
	}
	if logTail > maxLogTail {
		logTail = maxLogTail
	}

	s.manager.Hub().SendTo(client, &models.JobStateReply{
		Type:     models.MsgJobState,
		ServerID: s.cfg.Server.ServerID,
		Job:      s.manager.GetView(frame.JobID, logTail),
	})
}

func (s *Server) handleSubmit(frame *models.ClientFrame) {
	if frame.Job == nil {
		return
	}
	if frame.Job.ID == "" || strings.TrimSpace(frame.Job.FEN) == "" {
		return
	}
	s.manager.Submit(frame.Job.ToPending())
}
