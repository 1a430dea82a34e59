package web

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/tweag/chainsail/app/web/enums"
	"github.com/tweag/chainsail/app/web/persistence"
)

// ProxyEvent represents a single proxied call
type ProxyEvent struct {
	Time       time.Time
	Route      string
	Action     enums.Action
	JobID      string
	User       string // from verified claims
	Email      string // from user creation body
	StatusCode int    // 0 if upstream was not reached
	Duration   time.Duration
	Error      string
}

func (e ProxyEvent) success() bool {
	return e.Error == "" && e.StatusCode >= 200 && e.StatusCode < 300
}

// emit sends event to the processing channel, dropped if the channel is full
func (s *Server) emit(ev ProxyEvent) {
	select {
	case s.eventChan <- ev:
	default:
		log.Printf("[WARN] event channel full, dropping event")
	}
}

// processEvents handles proxy events until ctx is canceled
func (s *Server) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eventChan:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev ProxyEvent) {
	if s.store != nil {
		rec := persistence.Record{
			CreatedAt:  ev.Time,
			Route:      ev.Route,
			Action:     ev.Action,
			JobID:      ev.JobID,
			User:       ev.User,
			StatusCode: ev.StatusCode,
			Duration:   ev.Duration,
			Error:      ev.Error,
		}
		if err := s.store.Record(rec); err != nil {
			log.Printf("[WARN] failed to record %s call: %v", ev.Route, err)
		}
	}

	if s.notifier == nil || !ev.success() {
		return
	}
	switch ev.Action {
	case enums.ActionUser:
		if err := s.notifier.UserCreated(ctx, ev.Email); err != nil {
			log.Printf("[WARN] failed to notify about new user %q: %v", ev.Email, err)
		}
	case enums.ActionCreate:
		if err := s.notifier.JobCreated(ctx, ev.JobID, ev.User); err != nil {
			log.Printf("[WARN] failed to notify about new job %q: %v", ev.JobID, err)
		}
	default:
	}
}

// emailFromJSON returns "email" field of a json object, empty if missing
func emailFromJSON(data []byte) string {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&body); err != nil {
		return ""
	}
	return body.Email
}
