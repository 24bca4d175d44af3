package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/OFFIS-RIT/kgraph/internal/queue"
	"github.com/OFFIS-RIT/kgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/kgraph/pkg/kb"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/labstack/echo/v4"
)

// jobPermissions maps job kinds to the permission they require.
var jobPermissions = map[queue.Kind]string{
	queue.KindExtract:    "kb.extract",
	queue.KindReports:    "kb.report",
	queue.KindDeleteFile: "kb.delete",
	queue.KindDeleteKB:   "kb.delete",
}

// EnqueueJobHandler validates the request body for the job kind in the
// path and queues it for the worker.
func EnqueueJobHandler(c echo.Context) error {
	type jobResponse struct {
		statusResponse
		JobID               string `json:"job_id,omitempty"`
		EstimatedDurationMs int64  `json:"estimated_duration_ms,omitempty"`
	}

	kind, err := queue.ParseKind(c.Param("kind"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Message: err.Error()})
	}
	ac := c.(*middleware.AppContext)
	if !middleware.HasPermission(ac.User, jobPermissions[kind]) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + jobPermissions[kind]})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request body"})
	}

	var (
		ref    store.KBRef
		amount = 1
	)
	switch kind {
	case queue.KindExtract:
		var req kb.ExtractRequest
		if err := decodeAndValidate(c, body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request params: " + err.Error()})
		}
		ref, amount = req.Ref(), len(req.Chunks)
	default:
		var job queue.KBJob
		if err := decodeAndValidate(c, body, &job); err != nil {
			return c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request params: " + err.Error()})
		}
		if kind == queue.KindDeleteFile && job.FileName == "" {
			return c.JSON(http.StatusBadRequest, statusResponse{Message: "Invalid request params: file_name is required"})
		}
		ref = job.Ref()
	}
	if err := ref.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, statusResponse{Message: err.Error()})
	}
	if ok, err := authorize(c, ref.UserID); !ok {
		return err
	}

	if ac.App.Queue == nil {
		return c.JSON(http.StatusOK, statusResponse{Message: "Job queue is not configured"})
	}
	jobID, err := queue.Enqueue(ac.App.Queue, kind, body)
	if err != nil {
		return failed(c, "enqueue "+string(kind), err)
	}

	res := jobResponse{
		statusResponse: statusResponse{Success: true, Message: "Job queued"},
		JobID:          jobID,
	}
	if ac.App.Timing != nil {
		if d, err := ac.App.Timing.Predict(c.Request().Context(), string(kind), amount); err == nil {
			res.EstimatedDurationMs = d.Milliseconds()
		} else {
			logger.Warn("Failed to estimate job duration", "kind", kind, "err", err)
		}
	}
	return c.JSON(http.StatusOK, res)
}

func decodeAndValidate(c echo.Context, body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(out); err != nil {
		return err
	}
	return c.Validate(out)
}
