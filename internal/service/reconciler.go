package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
)

// providerStatus maps provider event types to task states. Other types are
// recorded but leave the task alone.
var providerStatus = map[string]model.TaskStatus{
	"processed": model.TaskSent,
	"delivered": model.TaskDelivered,
	"open":      model.TaskOpened,
	"bounce":    model.TaskBounced,
	"dropped":   model.TaskFailed,
}

type Reconciler struct {
	Store  repository.Transactor
	Tasks  repository.TaskRepositoryInterface
	Events repository.EventRepositoryInterface
	Now    func() time.Time
	Log    zerolog.Logger
}

type IngestResult struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Skipped  int `json:"skipped"`
}

// Ingest applies a batch of provider callback records in one transaction.
// Records that cannot be tied to a known task are skipped; a store error
// discards the whole batch.
func (r *Reconciler) Ingest(ctx context.Context, records []json.RawMessage) (IngestResult, error) {
	res := IngestResult{Received: len(records)}
	now := r.now()

	err := r.Store.WithTransaction(ctx, func(txCtx context.Context) error {
		res.Applied, res.Skipped = 0, 0
		for i, raw := range records {
			rec, err := decodeRecord(raw)
			if err != nil {
				res.Skipped++
				r.Log.Warn().Err(err).Int("index", i).Msg("skipping malformed webhook record")
				continue
			}
			taskID, ok := recordTaskID(rec)
			if !ok {
				res.Skipped++
				r.Log.Debug().Int("index", i).Msg("webhook record has no task id")
				continue
			}
			task, err := r.Tasks.GetByID(txCtx, taskID)
			if err != nil {
				return fmt.Errorf("load task %d: %w", taskID, err)
			}
			if task == nil {
				res.Skipped++
				r.Log.Debug().Int64("task_id", taskID).Msg("webhook record for unknown task")
				continue
			}

			eventType, _ := rec["event"].(string)
			if eventType == "" {
				eventType = model.EventUnknown
			}
			if err := r.Events.Append(txCtx, &model.Event{
				TaskID:    task.ID,
				JobID:     task.JobID,
				EventType: eventType,
				Payload:   raw,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append event for task %d: %w", task.ID, err)
			}

			status := providerStatus[eventType]
			messageID, _ := rec["sg_message_id"].(string)
			if status != "" || messageID != "" {
				if err := r.Tasks.ApplyProviderEvent(txCtx, task.ID, status, messageID); err != nil {
					return fmt.Errorf("apply %s to task %d: %w", eventType, task.ID, err)
				}
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		webhookRecordsTotal.WithLabelValues("error").Add(float64(len(records)))
		return IngestResult{Received: len(records)}, err
	}
	webhookRecordsTotal.WithLabelValues("applied").Add(float64(res.Applied))
	webhookRecordsTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	return res, nil
}

func decodeRecord(raw json.RawMessage) (map[string]any, error) {
	// Postgres rejects invalid UTF-8 and NUL characters in jsonb.
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("record is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record is not an object")
	}
	if hasNUL(rec) {
		return nil, fmt.Errorf("record contains a NUL character")
	}
	return rec, nil
}

func hasNUL(v any) bool {
	switch v := v.(type) {
	case string:
		return strings.ContainsRune(v, 0)
	case map[string]any:
		for k, e := range v {
			if strings.ContainsRune(k, 0) || hasNUL(e) {
				return true
			}
		}
	case []any:
		for _, e := range v {
			if hasNUL(e) {
				return true
			}
		}
	}
	return false
}

// recordTaskID reads email_task_id from custom_args, falling back to the
// top level. Both string and numeric ids are accepted.
func recordTaskID(rec map[string]any) (int64, bool) {
	if args, ok := rec["custom_args"].(map[string]any); ok {
		if id, ok := parseTaskID(args["email_task_id"]); ok {
			return id, true
		}
	}
	return parseTaskID(rec["email_task_id"])
}

func parseTaskID(v any) (int64, bool) {
	var s string
	switch id := v.(type) {
	case json.Number:
		s = id.String()
	case string:
		s = strings.TrimSpace(id)
	default:
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
