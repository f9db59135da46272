package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pvp-match-server/match"
	"pvp-match-server/matcherrors"
	"pvp-match-server/pubsub"
)

// notifyChannel carries the id of every changed match.
const notifyChannel = "match_updates"

const createMatchesTableSQL = `
CREATE TABLE IF NOT EXISTS matches (
	id                UUID PRIMARY KEY,
	game_id           TEXT NOT NULL,
	status            TEXT NOT NULL,
	player1_uid       TEXT NOT NULL,
	player1_username  TEXT NOT NULL,
	player1_score     BIGINT NOT NULL DEFAULT 0,
	player1_completed BOOLEAN NOT NULL DEFAULT false,
	player2_uid       TEXT,
	player2_username  TEXT,
	player2_score     BIGINT,
	player2_completed BOOLEAN,
	game_state        JSON NOT NULL DEFAULT '{}'::json,
	winner            TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_matches_pool ON matches(game_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_matches_player1 ON matches(player1_uid);
CREATE INDEX IF NOT EXISTS idx_matches_player2 ON matches(player2_uid);
`

var matchColumns = []string{
	"id", "game_id", "status",
	"player1_uid", "player1_username", "player1_score", "player1_completed",
	"player2_uid", "player2_username", "player2_score", "player2_completed",
	"game_state", "winner", "created_at", "updated_at",
}

var insertMatchSQL = "INSERT INTO matches (" + strings.Join(matchColumns, ", ") +
	") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)"

const updateMatchSQL = `
UPDATE matches SET
	status = $2,
	player1_username = $3, player1_score = $4, player1_completed = $5,
	player2_uid = $6, player2_username = $7, player2_score = $8, player2_completed = $9,
	game_state = $10, winner = $11, updated_at = $12
WHERE id = $1`

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to Postgres", "tag", "storage")
	return pool, nil
}

// PostgresStore keeps matches as flat rows in the matches table. Conditional
// writes lock the row (SELECT ... FOR UPDATE) for the guard check, and every
// write notifies match_updates inside the same transaction.
type PostgresStore struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
	broker  *pubsub.Broker
	now     Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock overrides the time source used for timestamps.
func WithPostgresClock(c Clock) PostgresOption {
	return func(s *PostgresStore) { s.now = c }
}

// NewPostgresStore ensures the schema exists and starts the change listener.
// The pool is owned by the caller.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createMatchesTableSQL); err != nil {
		return nil, fmt.Errorf("create matches table: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:    pool,
		dialect: goqu.Dialect("postgres"),
		broker:  pubsub.NewBroker(),
		now:     time.Now,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.listen(lctx)
	return s, nil
}

// Create inserts m under a new uuid.
func (s *PostgresStore) Create(ctx context.Context, m *match.Match) (string, error) {
	rec := m.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	if rec.GameState == nil {
		rec.GameState = match.GameState{}
	}
	state, err := json.Marshal(rec.GameState)
	if err != nil {
		return "", matcherrors.Invalid("game state: %v", err)
	}

	p2uid, p2name, p2score, p2done := player2Args(rec)
	args := []interface{}{
		rec.ID, string(rec.GameID), string(rec.Status),
		rec.Player1.UID, rec.Player1.Username, rec.Player1.Score, rec.Player1.Completed,
		p2uid, p2name, p2score, p2done,
		state, nullableString(rec.Winner), rec.CreatedAt, rec.UpdatedAt,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", matcherrors.Unavailable("create", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, insertMatchSQL, args...); err != nil {
		return "", matcherrors.Unavailable("create", err)
	}
	if err := notify(ctx, tx, rec.ID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", matcherrors.Unavailable("create", err)
	}
	return rec.ID, nil
}

// Get returns the record with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*match.Match, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, matcherrors.ErrNotFound
	}
	m, err := scanMatch(s.pool.QueryRow(ctx, selectByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, matcherrors.ErrNotFound
	}
	if err != nil {
		return nil, matcherrors.Unavailable("get", err)
	}
	return m, nil
}

// ConditionalUpdate locks the row, evaluates guard and writes the patched record.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id string, guard Guard, patch Patch) (*match.Match, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, matcherrors.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, matcherrors.Unavailable("update", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanMatch(tx.QueryRow(ctx, selectByIDSQL+" FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, matcherrors.ErrNotFound
	}
	if err != nil {
		return nil, matcherrors.Unavailable("update", err)
	}
	if guard != nil && !guard(cur.Clone()) {
		return nil, matcherrors.ErrGuardFailed
	}
	next := cur.Clone()
	if err := patch(next); err != nil {
		return nil, err
	}
	next.ID, next.CreatedAt, next.GameID = cur.ID, cur.CreatedAt, cur.GameID
	next.UpdatedAt = nextUpdatedAt(s.now(), cur.UpdatedAt)

	state, err := json.Marshal(next.GameState)
	if err != nil {
		return nil, matcherrors.Invalid("game state: %v", err)
	}
	p2uid, p2name, p2score, p2done := player2Args(next)
	_, err = tx.Exec(ctx, updateMatchSQL, next.ID, string(next.Status),
		next.Player1.Username, next.Player1.Score, next.Player1.Completed,
		p2uid, p2name, p2score, p2done,
		state, nullableString(next.Winner), next.UpdatedAt)
	if err != nil {
		return nil, matcherrors.Unavailable("update", err)
	}
	if err := notify(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, matcherrors.Unavailable("update", err)
	}
	return next, nil
}

// Delete removes the row.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the row while guard holds on the locked current value.
func (s *PostgresStore) DeleteIf(ctx context.Context, id string, guard Guard) error {
	if _, err := uuid.Parse(id); err != nil {
		return matcherrors.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return matcherrors.Unavailable("delete", err)
	}
	defer tx.Rollback(ctx)

	if guard != nil {
		cur, err := scanMatch(tx.QueryRow(ctx, selectByIDSQL+" FOR UPDATE", id))
		if errors.Is(err, pgx.ErrNoRows) {
			return matcherrors.ErrNotFound
		}
		if err != nil {
			return matcherrors.Unavailable("delete", err)
		}
		if !guard(cur) {
			return matcherrors.ErrGuardFailed
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM matches WHERE id = $1`, id)
	if err != nil {
		return matcherrors.Unavailable("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return matcherrors.ErrNotFound
	}
	if err := notify(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return matcherrors.Unavailable("delete", err)
	}
	return nil
}

// Query translates f into SQL.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*match.Match, error) {
	q, args, err := s.filterSQL(f)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, matcherrors.Unavailable("query", err)
	}
	defer rows.Close()
	out := make([]*match.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, matcherrors.Unavailable("query", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, matcherrors.Unavailable("query", err)
	}
	return out, nil
}

func (s *PostgresStore) filterSQL(f Filter) (string, []interface{}, error) {
	var where []exp.Expression
	if f.GameID != "" {
		where = append(where, goqu.C("game_id").Eq(string(f.GameID)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, goqu.C("status").In(statuses))
	}
	if f.ExcludePlayer1 != "" {
		where = append(where, goqu.C("player1_uid").Neq(f.ExcludePlayer1))
	}
	if f.Player != "" {
		where = append(where, goqu.Or(
			goqu.C("player1_uid").Eq(f.Player),
			goqu.C("player2_uid").Eq(f.Player),
		))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, goqu.C("created_at").Gt(f.CreatedAfter.UTC()))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, goqu.C("created_at").Lt(f.CreatedBefore.UTC()))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, goqu.C("updated_at").Lt(f.UpdatedBefore.UTC()))
	}
	return s.dialect.From("matches").Prepared(true).
		Select(columnExprs()...).
		Where(where...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		ToSQL()
}

// Subscribe registers fn and fetches the current record for it in the background.
func (s *PostgresStore) Subscribe(id string, fn func(m *match.Match)) func() {
	sub := s.broker.Subscribe(id, fn)
	go s.refresh(context.Background(), sub)
	return func() { s.broker.Unsubscribe(sub) }
}

// Close stops the listener and all subscriptions. The pool stays open.
func (s *PostgresStore) Close() error {
	s.cancel()
	s.wg.Wait()
	s.broker.Close()
	return nil
}

// refresh loads the record for one subscription, or announces it absent.
func (s *PostgresStore) refresh(ctx context.Context, sub *pubsub.Subscription) {
	m, err := s.Get(ctx, sub.Topic())
	switch {
	case err == nil:
		s.broker.Deliver(sub, m)
	case errors.Is(err, matcherrors.ErrNotFound):
		s.broker.Deliver(sub, nil)
	default:
		slog.Warn("initial snapshot failed", "tag", "storage", "match", sub.Topic(), "err", err)
	}
}

// publish loads the record for every subscriber of id.
func (s *PostgresStore) publish(ctx context.Context, id string) {
	if !s.broker.HasSubscribers(id) {
		return
	}
	m, err := s.Get(ctx, id)
	switch {
	case err == nil:
		s.broker.Publish(id, m)
	case errors.Is(err, matcherrors.ErrNotFound):
		s.broker.Publish(id, nil)
	default:
		slog.Warn("reload after notification failed", "tag", "storage", "match", id, "err", err)
	}
}

// listen holds one pooled connection on LISTEN match_updates and turns
// notifications into broker publishes. After a reconnect every observed match
// is reloaded, since notifications sent in between are lost.
func (s *PostgresStore) listen(ctx context.Context) {
	defer s.wg.Done()
	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("match listener disconnected", "tag", "storage", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	for _, id := range s.broker.Topics() {
		s.publish(ctx, id)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.publish(ctx, n.Payload)
	}
}

var selectByIDSQL = "SELECT " + strings.Join(matchColumns, ", ") + " FROM matches WHERE id = $1"

func columnExprs() []interface{} {
	out := make([]interface{}, len(matchColumns))
	for i, c := range matchColumns {
		out[i] = goqu.C(c)
	}
	return out
}

func notify(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id); err != nil {
		return matcherrors.Unavailable("notify", err)
	}
	return nil
}

func scanMatch(row pgx.Row) (*match.Match, error) {
	var (
		m              match.Match
		gameID, status string
		p2uid, p2name  *string
		p2score        *int
		p2done         *bool
		state          []byte
		winner         *string
	)
	err := row.Scan(&m.ID, &gameID, &status,
		&m.Player1.UID, &m.Player1.Username, &m.Player1.Score, &m.Player1.Completed,
		&p2uid, &p2name, &p2score, &p2done,
		&state, &winner, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.GameID = match.GameID(gameID)
	m.Status = match.Status(status)
	if p2uid != nil {
		p2 := match.Player{UID: *p2uid}
		if p2name != nil {
			p2.Username = *p2name
		}
		if p2score != nil {
			p2.Score = *p2score
		}
		if p2done != nil {
			p2.Completed = *p2done
		}
		m.Player2 = &p2
	}
	m.GameState = match.GameState{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &m.GameState); err != nil {
			return nil, fmt.Errorf("decode game_state: %w", err)
		}
	}
	if winner != nil {
		m.Winner = *winner
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func player2Args(m *match.Match) (uid, name *string, score *int, done *bool) {
	if m.Player2 == nil {
		return nil, nil, nil, nil
	}
	p := *m.Player2
	return &p.UID, &p.Username, &p.Score, &p.Completed
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
