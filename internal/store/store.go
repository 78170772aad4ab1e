package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/codeday/calendar-gql/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrUnknownStage = errors.New("unknown notification stage")

// Store persists subscriptions in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite has a single writer, and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a subscription with both flags cleared. It reports false
// when the same key already exists; the existing row is left untouched.
func (s *Store) Create(ctx context.Context, sub model.Subscription) (bool, error) {
	created := sub.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (calendar_id, event_id, destination, destination_type, notified_upcoming, notified_imminent, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT (calendar_id, event_id, destination, destination_type) DO NOTHING`,
		sub.SourceID, sub.OccurrenceID, sub.Destination, string(sub.Kind), created.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListPending returns the subscriptions for one occurrence that have not
// been notified for stage, oldest first.
func (s *Store) ListPending(ctx context.Context, sourceID, occurrenceID string, stage model.Stage) ([]model.Subscription, error) {
	col, err := flagColumn(stage)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT calendar_id, event_id, destination, destination_type, notified_upcoming, notified_imminent, created_at
		 FROM subscriptions
		 WHERE calendar_id = ? AND event_id = ? AND `+col+` = 0
		 ORDER BY created_at, destination`,
		sourceID, occurrenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Get returns one subscription, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, key model.SubscriptionKey) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT calendar_id, event_id, destination, destination_type, notified_upcoming, notified_imminent, created_at
		 FROM subscriptions
		 WHERE calendar_id = ? AND event_id = ? AND destination = ? AND destination_type = ?`,
		key.SourceID, key.OccurrenceID, key.Destination, string(key.Kind),
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// MarkNotified sets the stage flag of one subscription.
func (s *Store) MarkNotified(ctx context.Context, key model.SubscriptionKey, stage model.Stage) error {
	col, err := flagColumn(stage)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE subscriptions SET `+col+` = 1
		 WHERE calendar_id = ? AND event_id = ? AND destination = ? AND destination_type = ?`,
		key.SourceID, key.OccurrenceID, key.Destination, string(key.Kind),
	)
	if err != nil {
		return fmt.Errorf("mark %s notified: %w", stage, err)
	}
	return nil
}

// Count returns the number of subscribers of one occurrence.
func (s *Store) Count(ctx context.Context, sourceID, occurrenceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE calendar_id = ? AND event_id = ?`,
		sourceID, occurrenceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

func flagColumn(stage model.Stage) (string, error) {
	switch stage {
	case model.StageUpcoming:
		return "notified_upcoming", nil
	case model.StageImminent:
		return "notified_imminent", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (model.Subscription, error) {
	var (
		sub       model.Subscription
		kind      string
		upcoming  int
		imminent  int
		createdAt int64
	)
	if err := row.Scan(&sub.SourceID, &sub.OccurrenceID, &sub.Destination, &kind, &upcoming, &imminent, &createdAt); err != nil {
		return model.Subscription{}, err
	}
	sub.Kind = model.DestinationKind(kind)
	sub.NotifiedUpcoming = upcoming != 0
	sub.NotifiedImminent = imminent != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	return sub, nil
}
