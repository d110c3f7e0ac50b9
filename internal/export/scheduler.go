package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// Scheduler drives the periodic export sweep through a Cloud Tasks queue:
// an in-process ticker enqueues one HTTP task per interval, so the cadence
// lives in this process and restarts with it (spec: "a cloud.google.com/go/cloudtasks queue
// drives the periodic sweep"), grounded on the teacher's CloudDispatcher
// (internal/webhooks/cloud_dispatcher.go) HTTP-task enqueueing pattern.
type Scheduler struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	interval  time.Duration
	log       *slog.Logger
}

// NewScheduler creates a Scheduler that enqueues an HTTP POST to targetURL
// once per interval, onto the named Cloud Tasks queue.
func NewScheduler(projectID, locationID, queueID, targetURL string, interval time.Duration, log *slog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "cloudtasks.NewClient", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		interval:  interval,
		log:       log,
	}, nil
}

// Run enqueues one sweep task per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueSweep(ctx)
		}
	}
}

func (s *Scheduler) enqueueSweep(ctx context.Context) {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.targetURL,
				},
			},
			ScheduleTime: nil, // deliver as soon as possible
		},
	}
	taskCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	task, err := s.client.CreateTask(taskCtx, req)
	if err != nil {
		s.log.Warn("export: sweep task enqueue failed", "event", "export_schedule_error", "error", err)
		return
	}
	s.log.Info("export: enqueued sweep task", "event", "export_schedule_ok", "task", task.GetName())
}

// Close releases the Cloud Tasks client.
func (s *Scheduler) Close() error {
	return s.client.Close()
}
