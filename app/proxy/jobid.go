package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoJobID is returned when a request body carries no job id
var ErrNoJobID = errors.New("job id is missing")

// JobIDFromBody reads job id from a json body. Both "job_id" and "jobId" keys are accepted,
// as string or number.
func JobIDFromBody(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ErrNoJobID
	}
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	for _, key := range []string{"job_id", "jobId"} {
		if id := idString(body[key]); id != "" {
			return id, nil
		}
	}
	return "", ErrNoJobID
}

// JobIDFromResponse extracts job id from a job creation response, empty if not found
func JobIDFromResponse(body []byte) string {
	var resp map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return ""
	}
	for _, key := range []string{"job_id", "id"} {
		if id := idString(resp[key]); id != "" {
			return id
		}
	}
	return ""
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
