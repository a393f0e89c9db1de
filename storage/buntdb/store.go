// Package buntdb provides a durable audit sink backed by tidwall/buntdb.
//
// Events are stored as JSON under time-ordered keys with a retention TTL,
// optionally sealed with AES-256-GCM. The sink is append-only; Recent and
// ByType exist for operators and dashboards, not for request handling.
package buntdb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/security"
)

const (
	// DefaultRetention is how long events are kept
	DefaultRetention = 30 * 24 * time.Hour

	// InMemory opens a non-persistent database
	InMemory = ":memory:"

	keyPrefix = "audit:"
)

// Config holds configuration for the audit sink.
type Config struct {
	// Path is the database file. Use InMemory for tests.
	Path string

	// Retention is the TTL applied to every event (default 30 days)
	Retention time.Duration

	// EncryptionKey seals stored events when set (32 bytes)
	EncryptionKey []byte

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Sink is a buntdb-backed security.Sink.
type Sink struct {
	db              *buntdb.DB
	retention       time.Duration
	encryptor       *security.Encryptor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ security.Sink = (*Sink)(nil)

// Open opens (or creates) the audit database.
func Open(cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enc, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid audit encryption key: %w", err)
	}

	db, err := buntdb.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	logger.Info("Opened audit sink",
		"path", cfg.Path,
		"retention", cfg.Retention,
		"encrypted", enc.Enabled())

	return &Sink{
		db:        db,
		retention: cfg.Retention,
		encryptor: enc,
		logger:    logger,
	}, nil
}

// SetInstrumentation enables sink error metrics.
func (s *Sink) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// eventKey orders keys by timestamp so key iteration is chronological.
func eventKey(e security.Event) string {
	return fmt.Sprintf("%s%020d:%s", keyPrefix, e.Timestamp.UnixNano(), e.ID)
}

// Record implements security.Sink.
func (s *Sink) Record(ctx context.Context, event security.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	value, err := s.encode(event)
	if err != nil {
		s.instrumentation.Metrics().RecordAuditSinkError(ctx)
		return err
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(eventKey(event), value, &buntdb.SetOptions{
			Expires: true,
			TTL:     s.retention,
		})
		return err
	})
	if err != nil {
		s.instrumentation.Metrics().RecordAuditSinkError(ctx)
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// Recent returns up to n events, newest first.
func (s *Sink) Recent(n int) ([]security.Event, error) {
	return s.query(n, func(security.Event) bool { return true })
}

// ByType returns up to n events of the given type, newest first.
func (s *Sink) ByType(eventType string, n int) ([]security.Event, error) {
	return s.query(n, func(e security.Event) bool { return e.Type == eventType })
}

// Len returns the number of stored (unexpired) events.
func (s *Sink) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	})
	return n, err
}

func (s *Sink) query(n int, match func(security.Event) bool) ([]security.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	var out []security.Event
	var decodeErr error
	cutoff := time.Now().Add(-s.retention)

	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(keyPrefix+"*", func(key, value string) bool {
			e, err := s.decode(value)
			if err != nil {
				// Keep going; one corrupt record must not hide the rest.
				s.logger.Warn("Skipping unreadable audit record", "key", key, "error", err)
				decodeErr = err
				return true
			}
			// Expired keys can linger until buntdb's background sweep runs.
			if e.Timestamp.Before(cutoff) {
				return true
			}
			if match(e) {
				out = append(out, e)
			}
			return len(out) < n
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	if len(out) == 0 && decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (s *Sink) encode(e security.Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if !s.encryptor.Enabled() {
		return string(data), nil
	}
	sealed, err := s.encryptor.Seal(data)
	if err != nil {
		return "", fmt.Errorf("failed to seal audit event: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sink) decode(value string) (security.Event, error) {
	data := []byte(value)
	if s.encryptor.Enabled() {
		sealed, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return security.Event{}, fmt.Errorf("failed to decode audit record: %w", err)
		}
		if data, err = s.encryptor.Open(sealed); err != nil {
			return security.Event{}, err
		}
	}

	var e security.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return security.Event{}, fmt.Errorf("failed to unmarshal audit record: %w", err)
	}
	return e, nil
}
