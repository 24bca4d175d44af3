package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/go-playground/validator"
)

// Engine is the part of kb.Engine driven by jobs.
type Engine interface {
	ExtractGraphData(ctx context.Context, req kb.ExtractRequest) (*kb.ExtractResponse, error)
	GenerateCommunityReports(ctx context.Context, ref store.KBRef) ([]kb.CommunityReport, error)
	DeleteFile(ctx context.Context, ref store.KBRef, fileName string) error
	DeleteKB(ctx context.Context, ref store.KBRef) error
}

// Recorder stores job durations. It may be nil.
type Recorder interface {
	Record(ctx context.Context, kind string, items int, duration time.Duration) error
}

// Processor runs queued jobs against an Engine and announces their
// outcome on the event exchange.
type Processor struct {
	engine   Engine
	events   Publisher
	recorder Recorder
	validate *validator.Validate
}

func NewProcessor(engine Engine, events Publisher, recorder Recorder) *Processor {
	return &Processor{engine: engine, events: events, recorder: recorder, validate: validator.New()}
}

// ErrInvalidJob marks messages that can never succeed. They skip the
// retry cycle.
var ErrInvalidJob = errors.New("invalid job")

// Process handles one message body from queueName.
func (p *Processor) Process(ctx context.Context, queueName string, body []byte) error {
	start := time.Now()
	var (
		event Event
		items int
		err   error
	)
	switch queueName {
	case ExtractQueue:
		event, items, err = p.extract(ctx, body)
	case ReportQueue, DeleteQueue:
		event, items, err = p.kbJob(ctx, body)
	default:
		return fmt.Errorf("%w: unknown queue %s", ErrInvalidJob, queueName)
	}
	if err != nil && !errors.Is(err, ErrInvalidJob) {
		return err
	}

	if err == nil {
		event.Success = true
		p.record(ctx, event.Kind, items, time.Since(start))
	} else {
		event.Message = err.Error()
	}
	p.publish(event)
	return err
}

func (p *Processor) extract(ctx context.Context, body []byte) (Event, int, error) {
	var job ExtractJob
	if err := json.Unmarshal(body, &job); err != nil {
		return Event{Kind: KindExtract}, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	event := Event{JobID: job.JobID, Kind: KindExtract}
	if err := p.validate.Struct(job.ExtractRequest); err != nil {
		return event, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	logger.Info("[Queue] Extracting", "job_id", job.JobID, "kb", job.Ref(), "file", job.FileName, "chunks", len(job.Chunks))
	res, err := p.engine.ExtractGraphData(ctx, job.ExtractRequest)
	if err != nil {
		return event, 0, err
	}
	event.Message = "Graph data extracted"
	event.Result = res
	return event, len(job.Chunks), nil
}

func (p *Processor) kbJob(ctx context.Context, body []byte) (Event, int, error) {
	var job KBJob
	if err := json.Unmarshal(body, &job); err != nil {
		return Event{}, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	event := Event{JobID: job.JobID, Kind: job.Kind}
	if err := p.validate.Struct(job); err != nil {
		return event, 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	logger.Info("[Queue] Running job", "job_id", job.JobID, "kind", job.Kind, "kb", job.Ref())
	switch job.Kind {
	case KindReports:
		reports, err := p.engine.GenerateCommunityReports(ctx, job.Ref())
		if err != nil {
			return event, 0, err
		}
		event.Message = "Community reports generated"
		event.Result = reports
		return event, len(reports), nil
	case KindDeleteFile:
		if job.FileName == "" {
			return event, 0, fmt.Errorf("%w: file_name is required", ErrInvalidJob)
		}
		if err := p.engine.DeleteFile(ctx, job.Ref(), job.FileName); err != nil {
			return event, 0, err
		}
		event.Message = "File deleted"
		return event, 1, nil
	case KindDeleteKB:
		if err := p.engine.DeleteKB(ctx, job.Ref()); err != nil {
			return event, 0, err
		}
		event.Message = "Knowledge base deleted"
		return event, 1, nil
	default:
		return event, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, job.Kind)
	}
}

func (p *Processor) record(ctx context.Context, kind Kind, items int, d time.Duration) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(ctx, string(kind), items, d); err != nil {
		logger.Warn("[Queue] Failed to record job duration", "kind", kind, "err", err)
	}
}

func (p *Processor) publish(e Event) {
	if p.events == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error("[Queue] Failed to encode event", "job_id", e.JobID, "err", err)
		return
	}
	if err := PublishTopic(p.events, e.Topic(), data); err != nil {
		logger.Error("[Queue] Failed to publish event", "job_id", e.JobID, "topic", e.Topic(), "err", err)
	}
}
