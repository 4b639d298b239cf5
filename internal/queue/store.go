// Package queue is the station's durable store-and-forward layer:
// messages for currently unreachable targets wait here until the
// delivery scheduler can hand them to the mesh or a peer station.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

var (
	// ErrQueueFull means the pending backlog hit maxQueueSize; the
	// sender should be told to try again later.
	ErrQueueFull = errors.New("queue: full")

	// ErrDuplicate means an identical message (same endpoints, text
	// and creation instant) is already queued. Not a failure: the
	// message is in the queue, just not twice.
	ErrDuplicate = errors.New("queue: duplicate message")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Message is one queued delivery.
type Message struct {
	ID            string
	FromNode      uint32
	ToNode        uint32
	Text          string
	TargetStation string // empty for local mesh targets
	Priority      Priority
	TTL           time.Duration
	CreatedAt     time.Time
	ScheduledFor  time.Time
	Attempts      int
	MaxAttempts   int
	Status        Status
	LastError     string
}

// ExpiresAt is the instant after which the message is only good for
// the expiry sweep.
func (m Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// Stats counts messages per status.
type Stats struct {
	Pending    int
	Processing int
	Delivered  int
	Failed     int
	Expired    int
}

func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Delivered + s.Failed + s.Expired
}

const (
	defaultMaxQueueSize      = 10000
	defaultTTL               = 24 * time.Hour
	defaultMaxAttempts       = 10
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoffDelay   = 5 * time.Minute

	deliveredRetention = time.Hour
	expiredRetention   = 24 * time.Hour
)

// Options configures a Store. The zero value of every field has a
// usable default.
type Options struct {
	MaxQueueSize      int
	BackoffMultiplier float64
	MaxBackoffDelay   time.Duration

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Store is the sqlite-backed message queue. All access goes through
// one handle guarded by a read/write mutex; sqlite's uniqueness
// constraint is the final word on duplicates no matter how many
// goroutines enqueue at once.
type Store struct {
	db    *sql.DB
	path  string
	log   *slog.Logger
	clock clockwork.Clock

	maxQueueSize      int
	backoffMultiplier float64
	maxBackoffDelay   time.Duration

	mu sync.RWMutex
}

// Open opens or creates the queue database, applies the schema, and
// runs crash recovery: rows stuck in processing from a previous run
// are handed back to pending before anything is served.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = defaultMaxQueueSize
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = defaultBackoffMultiplier
	}
	if opts.MaxBackoffDelay <= 0 {
		opts.MaxBackoffDelay = defaultMaxBackoffDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	// WAL + NORMAL trades a sliver of durability on power loss for
	// not fsyncing every enqueue; a re-sent mesh message is cheap.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure queue database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS message_queue (
			id             TEXT PRIMARY KEY,
			from_node      INTEGER NOT NULL,
			to_node        INTEGER NOT NULL,
			message        TEXT NOT NULL,
			target_station TEXT NOT NULL DEFAULT '',
			priority       INTEGER NOT NULL DEFAULT 1,
			ttl            INTEGER NOT NULL,
			created_at     INTEGER NOT NULL,
			scheduled_for  INTEGER NOT NULL,
			attempts       INTEGER NOT NULL DEFAULT 0,
			max_attempts   INTEGER NOT NULL DEFAULT 10,
			status         TEXT NOT NULL DEFAULT 'pending',
			last_error     TEXT NOT NULL DEFAULT '',
			UNIQUE(from_node, to_node, message, created_at)
		);
		CREATE INDEX IF NOT EXISTS idx_queue_due
			ON message_queue(status, priority DESC, scheduled_for ASC);
		CREATE INDEX IF NOT EXISTS idx_queue_created ON message_queue(created_at);
		CREATE INDEX IF NOT EXISTS idx_queue_station ON message_queue(target_station);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}

	s := &Store{
		db:                db,
		path:              path,
		log:               opts.Logger.With("component", "queue"),
		clock:             opts.Clock,
		maxQueueSize:      opts.MaxQueueSize,
		backoffMultiplier: opts.BackoffMultiplier,
		maxBackoffDelay:   opts.MaxBackoffDelay,
	}

	// Anything still marked processing belongs to a run that died
	// mid-delivery. The delivery may or may not have happened; retry
	// is the safe side for store-and-forward.
	res, err := db.Exec(`UPDATE message_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusProcessing)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recover in-flight messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("recovered in-flight messages from previous run", "count", n)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// EnqueueOptions tune one Enqueue call. Zero TTL and MaxAttempts take
// the defaults (24 h, 10); zero Delay means deliverable immediately.
type EnqueueOptions struct {
	TargetStation string
	Priority      Priority
	TTL           time.Duration
	MaxAttempts   int
	Delay         time.Duration
}

// Enqueue persists a message for later delivery and returns its id.
// Returns ErrQueueFull when the live backlog is at capacity and
// ErrDuplicate when the same message was already queued this instant.
func (s *Store) Enqueue(fromNode, toNode uint32, text string, opts EnqueueOptions) (string, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var live int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM message_queue WHERE status IN (?, ?)`,
		StatusPending, StatusProcessing).Scan(&live); err != nil {
		return "", fmt.Errorf("count queue backlog: %w", err)
	}
	if live >= s.maxQueueSize {
		return "", ErrQueueFull
	}

	id := uuid.NewString()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_queue
			(id, from_node, to_node, message, target_station, priority, ttl,
			 created_at, scheduled_for, attempts, max_attempts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, fromNode, toNode, text, opts.TargetStation, int(opts.Priority),
		int(opts.TTL.Seconds()), now.UnixMilli(), now.Add(opts.Delay).UnixMilli(),
		opts.MaxAttempts, StatusPending)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrDuplicate
	}

	s.log.Debug("message queued",
		"id", id, "from", fromNode, "to", toNode,
		"station", opts.TargetStation, "priority", opts.Priority.String())
	return id, nil
}

// GetNextMessages returns up to limit pending messages that are due,
// highest priority first, oldest schedule first within a priority.
// A non-positive limit means 10.
func (s *Store) GetNextMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	now := s.clock.Now().UnixMilli()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, from_node, to_node, message, target_station, priority, ttl,
		       created_at, scheduled_for, attempts, max_attempts, status, last_error
		FROM message_queue
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT ?`, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesByStation returns the most recent messages targeting a
// peer station, for bridge traffic diagnostics.
func (s *Store) GetMessagesByStation(stationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, from_node, to_node, message, target_station, priority, ttl,
		       created_at, scheduled_for, attempts, max_attempts, status, last_error
		FROM message_queue
		WHERE target_station = ?
		ORDER BY created_at DESC
		LIMIT ?`, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query station messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Get returns one message by id.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, from_node, to_node, message, target_station, priority, ttl,
		       created_at, scheduled_for, attempts, max_attempts, status, last_error
		FROM message_queue WHERE id = ?`, id)
	if err != nil {
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("queue: no message %s", id)
	}
	return msgs[0], nil
}

// MarkProcessing moves a pending message into processing and charges
// one attempt. Returns false when the transition is not legal (the
// message is not pending, is out of attempts, or does not exist).
func (s *Store) MarkProcessing(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE message_queue
		SET status = ?, attempts = attempts + 1
		WHERE id = ? AND status = ? AND attempts < max_attempts`,
		StatusProcessing, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDelivered finishes a message. Idempotent: delivering a message
// twice is not an error, and DELIVERED is reachable from any state so
// late confirmations never fight the expiry sweep.
func (s *Store) MarkDelivered(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE message_queue SET status = ? WHERE id = ?`,
		StatusDelivered, id); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. While attempts remain the
// message returns to pending with an exponential backoff and true is
// returned; once attempts are exhausted it goes to failed for good
// and false is returned.
func (s *Store) MarkFailed(id, errText string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	var status Status
	err = tx.QueryRow(`SELECT attempts, max_attempts, status FROM message_queue WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts, &status)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("queue: no message %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if status != StatusProcessing {
		return false, fmt.Errorf("queue: message %s is %s, cannot fail", id, status)
	}

	if attempts >= maxAttempts {
		if _, err := tx.Exec(`UPDATE message_queue SET status = ?, last_error = ? WHERE id = ?`,
			StatusFailed, errText, id); err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		s.log.Warn("message failed permanently", "id", id, "attempts", attempts, "err", errText)
		return false, nil
	}

	retryAt := now.Add(s.retryDelay(attempts))
	if _, err := tx.Exec(`
		UPDATE message_queue SET status = ?, scheduled_for = ?, last_error = ? WHERE id = ?`,
		StatusPending, retryAt.UnixMilli(), errText, id); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}

	s.log.Debug("message scheduled for retry",
		"id", id, "attempt", attempts, "retry_at", retryAt, "err", errText)
	return true, nil
}

// retryDelay is multiplier^(attempts-1) seconds, capped.
func (s *Store) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(s.backoffMultiplier, float64(attempts-1)) * float64(time.Second))
	if d > s.maxBackoffDelay || d <= 0 {
		d = s.maxBackoffDelay
	}
	return d
}

// Cleanup expires overdue messages and prunes terminal ones: delivered
// rows are kept an hour, expired rows a day. Returns the number of
// rows deleted. Running it twice at the same instant is a no-op.
func (s *Store) Cleanup() (int, error) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := int64(0)

	res, err := s.db.Exec(`DELETE FROM message_queue WHERE status = ? AND created_at <= ?`,
		StatusDelivered, now-deliveredRetention.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("prune delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	deleted += n

	res, err = s.db.Exec(`
		UPDATE message_queue SET status = ?
		WHERE status IN (?, ?) AND created_at + ttl * 1000 <= ?`,
		StatusExpired, StatusPending, StatusProcessing, now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("expired overdue messages", "count", n)
	}

	res, err = s.db.Exec(`
		DELETE FROM message_queue
		WHERE status = ? AND created_at + ttl * 1000 <= ?`,
		StatusExpired, now-expiredRetention.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("prune expired: %w", err)
	}
	n, _ = res.RowsAffected()
	deleted += n

	return int(deleted), nil
}

// Stats counts queued messages per status.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusProcessing:
			st.Processing = count
		case StatusDelivered:
			st.Delivered = count
		case StatusFailed:
			st.Failed = count
		case StatusExpired:
			st.Expired = count
		}
	}
	return st, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var priority, ttlSec int
		var createdAt, scheduledFor int64
		if err := rows.Scan(&m.ID, &m.FromNode, &m.ToNode, &m.Text, &m.TargetStation,
			&priority, &ttlSec, &createdAt, &scheduledFor,
			&m.Attempts, &m.MaxAttempts, &m.Status, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Priority = Priority(priority)
		m.TTL = time.Duration(ttlSec) * time.Second
		m.CreatedAt = time.UnixMilli(createdAt)
		m.ScheduledFor = time.UnixMilli(scheduledFor)
		out = append(out, m)
	}
	return out, rows.Err()
}
