package queue

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"
)

// Kind names an asynchronous job.
type Kind string

const (
	KindExtract    Kind = "extract"
	KindReports    Kind = "reports"
	KindDeleteFile Kind = "delete_file"
	KindDeleteKB   Kind = "delete_kb"
)

// ParseKind validates a job kind taken from a request.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindExtract, KindReports, KindDeleteFile, KindDeleteKB:
		return k, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Queue returns the work queue serving k.
func (k Kind) Queue() string {
	switch k {
	case KindExtract:
		return ExtractQueue
	case KindReports:
		return ReportQueue
	default:
		return DeleteQueue
	}
}

// ExtractJob is an extraction request plus its job id.
type ExtractJob struct {
	JobID string `json:"job_id"`
	kb.ExtractRequest
}

// KBJob addresses one knowledge base. FileName is set for delete_file.
type KBJob struct {
	JobID    string `json:"job_id"`
	Kind     Kind   `json:"kind"`
	UserID   string `json:"user_id" validate:"required"`
	KBName   string `json:"kb_name" validate:"required"`
	FileName string `json:"file_name,omitempty"`
}

func (j KBJob) Ref() store.KBRef {
	return store.KBRef{UserID: j.UserID, KBName: j.KBName}
}

// Event is published on EventExchange when a job finishes.
type Event struct {
	JobID   string `json:"job_id"`
	Kind    Kind   `json:"kind"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  any    `json:"result,omitempty"`
}

// Topic is the routing key of e, e.g. "graph.extract.done".
func (e Event) Topic() string {
	status := "done"
	if !e.Success {
		status = "failed"
	}
	return fmt.Sprintf("graph.%s.%s", e.Kind, status)
}

// NewJobID returns a random job id.
func NewJobID() (string, error) {
	return gonanoid.New()
}

// Enqueue assigns a job id to payload, which must be a request JSON
// object, and publishes it to the queue of kind. The payload keeps all of
// its fields.
func Enqueue(ch Publisher, kind Kind, payload []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("job payload is not a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	id, err := NewJobID()
	if err != nil {
		return "", err
	}
	fields["job_id"], _ = json.Marshal(id)
	fields["kind"], _ = json.Marshal(kind)

	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	if err := PublishFIFO(ch, kind.Queue(), data, amqp091.Table{"x-retries": int32(0)}); err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}
	return id, nil
}
