package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rendis/lakeflow/internal/engine"
)

// ObjectCreatedNotification is the storage event payload that triggers runs:
// one run per record.
type ObjectCreatedNotification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ObjectParams converts a created object into run params. Keys arrive
// form-encoded, as storage notifications send them.
func ObjectParams(bucket, key string) (map[string]any, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return nil, fmt.Errorf("decode object key %q: %w", key, err)
	}
	return map[string]any{
		"source": "s3://" + bucket + "/" + decoded,
		"bucket": bucket,
		"key":    decoded,
	}, nil
}

func (s *Server) handleObjectCreated(w http.ResponseWriter, r *http.Request) {
	var n ObjectCreatedNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(n.Records) == 0 {
		respondError(w, http.StatusBadRequest, "notification has no records")
		return
	}

	runIDs := make([]string, 0, len(n.Records))
	var failures []map[string]string
	for _, rec := range n.Records {
		bucket, key := rec.S3.Bucket.Name, rec.S3.Object.Key
		if bucket == "" || key == "" {
			failures = append(failures, map[string]string{"key": key, "error": "bucket and key are required"})
			continue
		}
		var runID string
		params, err := ObjectParams(bucket, key)
		if err == nil {
			runID, err = s.runs.StartRun(r.Context(), params, engine.TriggerObjectCreated)
		}
		if err != nil {
			s.logger.Warn("object-created trigger rejected",
				slog.String("bucket", bucket), slog.String("key", key), slog.String("error", err.Error()))
			failure := map[string]string{"key": key, "error": err.Error()}
			if runID != "" {
				failure["run_id"] = runID
			}
			failures = append(failures, failure)
			continue
		}
		runIDs = append(runIDs, runID)
	}

	code := http.StatusAccepted
	if len(runIDs) == 0 {
		code = http.StatusUnprocessableEntity
	}
	resp := map[string]any{"run_ids": runIDs}
	if len(failures) > 0 {
		resp["failures"] = failures
	}
	respondJSON(w, code, resp)
}
