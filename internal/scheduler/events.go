package scheduler

import (
	"context"
	"time"

	redisclient "github.com/aceteam-ai/narrator-cli/internal/redis"
)

// Event is one progress update of a job.
type Event struct {
	JobID string
	Title string
	Stage Stage

	Percent      int
	CurrentChunk int
	TotalChunks  int

	// Log is set for log line events; Level is its severity.
	Log   string
	Level string

	// Final events carry the outcome. Status is "completed" or "error".
	Status string
	Script string
	Error  string

	Time time.Time
}

// Final reports whether ev ends the job.
func (ev Event) Final() bool {
	return ev.Status != ""
}

// EventSink receives every event in addition to the Events channel.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisSink publishes events to a job's Redis Pub/Sub channel and keeps the
// job's latest status in a hash, so other processes can follow a run.
type RedisSink struct {
	client *redisclient.Client
}

// NewRedisSink creates a sink publishing through client.
func NewRedisSink(client *redisclient.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Publish sends ev as a start, progress, end or error stream event.
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	data := map[string]interface{}{
		"title":        ev.Title,
		"stage":        string(ev.Stage),
		"percent":      ev.Percent,
		"currentChunk": ev.CurrentChunk,
		"totalChunks":  ev.TotalChunks,
	}

	eventType := "progress"
	switch {
	case ev.Status == string(StageCompleted):
		eventType = "end"
		data["script"] = ev.Script
	case ev.Status == string(StageError):
		eventType = "error"
		data["error"] = ev.Error
		data["recoverable"] = false
	case ev.Stage == StagePremise && ev.Percent == percentPremiseStart && ev.Log == "":
		eventType = "start"
	}
	if ev.Log != "" {
		data["log"] = ev.Log
		data["level"] = ev.Level
	}

	status := string(ev.Stage)
	if ev.Status != "" {
		status = ev.Status
	}
	if err := s.client.SetJobStatus(ctx, ev.JobID, status, map[string]interface{}{"percent": ev.Percent}); err != nil {
		return err
	}
	return s.client.PublishStreamEvent(ctx, ev.JobID, eventType, data)
}

// Ensure RedisSink implements EventSink
var _ EventSink = (*RedisSink)(nil)
