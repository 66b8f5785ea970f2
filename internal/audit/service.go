// Package audit persists admission-control events to Postgres for
// after-the-fact review, without ever blocking the admission core that
// produces them.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"admissionctl/internal/domain"
)

const insertEvent = `
INSERT INTO admission_events (upstream, event_type, backend, request_id, occurred_at, detail)
VALUES ($1, $2, $3, $4, $5, $6)
`

const createTable = `
CREATE TABLE IF NOT EXISTS admission_events (
	id          BIGSERIAL PRIMARY KEY,
	upstream    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	backend     TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
)
`

// Service is an async, non-blocking audit sink backed by Postgres. Events
// are buffered on a channel and written by a single background writer
// goroutine, so Record never waits on a database round trip.
type Service struct {
	db     *sql.DB
	events chan domain.Event
	done   chan struct{}
}

// NewService opens dsn, ensures the events table exists, and starts the
// background writer. Call Close during shutdown to drain pending events.
func NewService(dsn string) (*Service, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, err
	}

	s := &Service{
		db:     db,
		events: make(chan domain.Event, 1024),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record implements upstream.EventSink. Events are dropped, with a
// warning logged, if the buffer is full rather than blocking the
// dispatcher that produced them.
func (s *Service) Record(e domain.Event) {
	select {
	case s.events <- e:
	default:
		slog.Warn("audit event dropped, writer backlog full", "upstream", e.Group, "event_type", string(e.Type))
	}
}

func (s *Service) run() {
	defer close(s.done)
	for e := range s.events {
		if err := s.write(e); err != nil {
			slog.Error("failed to write audit event", "error", err, "upstream", e.Group)
		}
	}
}

func (s *Service) write(e domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, insertEvent, e.Group, string(e.Type), e.Backend, e.RequestID, e.At, e.Detail)
	return err
}

// Close stops accepting new events, drains the writer, and closes the
// database connection.
func (s *Service) Close() error {
	close(s.events)
	<-s.done
	return s.db.Close()
}
