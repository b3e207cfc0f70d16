package eventbus

import (
	"detectorpoll/internal/job"
	logx "detectorpoll/pkg/logx"
)

const (
	TypeAttempt = "attempt.recorded"
	TypeStatus  = "job.status"
	TypeLog     = "log"
)

// Sink adapts a Bus to the scheduler's event port and to logx's publisher.
type Sink struct {
	bus Bus
}

func NewSink(bus Bus) *Sink { return &Sink{bus: bus} }

func (s *Sink) Publish(jobID string, res job.AttemptResult) {
	s.bus.Publish(Event{Type: TypeAttempt, JobID: jobID, Time: res.Timestamp, Data: res})
}

func (s *Sink) PublishStatus(jobID string, st job.RuntimeState) {
	s.bus.Publish(Event{Type: TypeStatus, JobID: jobID, Data: st})
}

// PublishLog forwards a log record. Records carrying a "job" field are tagged
// with that job id so per-job subscribers see them.
func (s *Sink) PublishLog(rec logx.LogRecord) {
	jobID, _ := rec.Fields["job"].(string)
	s.bus.Publish(Event{Type: TypeLog, JobID: jobID, Time: rec.Time, Data: rec})
}
