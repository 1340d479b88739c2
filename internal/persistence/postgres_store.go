package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

// PostgresStore implements every store interface on top of PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib"). The caller is responsible for
// importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// and providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ InstanceStore      = (*PostgresStore)(nil)
	_ CheckpointStore    = (*PostgresStore)(nil)
	_ PendingActionStore = (*PostgresStore)(nil)
	_ BatchQueueStore    = (*PostgresStore)(nil)
	_ CorrelationStore   = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bundle returns a Persistence with every store backed by s.
func (s *PostgresStore) Bundle() Persistence {
	return Persistence{
		Instances:    s,
		Checkpoints:  s,
		Actions:      s,
		Batch:        s,
		Correlations: s,
	}
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			correlation_key TEXT NOT NULL UNIQUE,
			item_ref TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			terminal_reason TEXT NOT NULL,
			priority_score INTEGER NOT NULL,
			is_priority BOOLEAN NOT NULL,
			item BYTEA,
			classification BYTEA,
			decision BYTEA,
			result BYTEA,
			error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			state TEXT NOT NULL,
			step TEXT NOT NULL,
			snapshot BYTEA,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);

		CREATE TABLE IF NOT EXISTS pending_actions (
			idempotency_key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_actions_instance
			ON pending_actions(instance_id);

		CREATE TABLE IF NOT EXISTS batch_queue (
			entry_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			category TEXT NOT NULL,
			proposed_folder TEXT NOT NULL,
			summary TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_batch_queue_user
			ON batch_queue(user_id, scheduled_at);

		CREATE TABLE IF NOT EXISTS dispatch_markers (
			user_id TEXT PRIMARY KEY,
			digest_id TEXT NOT NULL,
			entry_ids BYTEA,
			dispatched_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS correlations (
			correlation_key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			message_ref TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
	)
	return err
}

func (s *PostgresStore) scanInstanceRow(row interface{ Scan(...any) error }) (*api.Instance, error) {
	var (
		inst                 api.Instance
		stateStr, termStr    string
		item, cls, dec, res  []byte
		errStr               sql.NullString
		createdAt, updatedAt int64
	)

	err := row.Scan(&inst.ID, &inst.CorrelationKey, &inst.ItemRef, &inst.UserID,
		&stateStr, &termStr, &inst.PriorityScore, &inst.IsPriority,
		&item, &cls, &dec, &res, &errStr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.State = api.State(stateStr)
	inst.Terminal = api.TerminalReason(termStr)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	if errStr.Valid {
		inst.Err = errStr.String
	}

	if err := decodeInstanceBlobs(&inst, item, cls, dec, res); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *api.Instance) error {
	item, cls, dec, res, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}

	r, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.CorrelationKey, inst.ItemRef, inst.UserID,
		string(inst.State), string(inst.Terminal),
		inst.PriorityScore, inst.IsPriority,
		item, cls, dec, res, inst.Err,
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	item, cls, dec, res, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}

	r, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET state = $1, terminal_reason = $2, priority_score = $3, is_priority = $4,
			item = $5, classification = $6, decision = $7, result = $8, error = $9,
			updated_at = $10
		WHERE id = $11`,
		string(inst.State), string(inst.Terminal),
		inst.PriorityScore, inst.IsPriority,
		item, cls, dec, res, inst.Err,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)

	inst, err := s.scanInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresStore) GetInstanceByCorrelation(ctx context.Context, key string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE correlation_key = $1`, key)

	inst, err := s.scanInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Terminal != "" {
		args = append(args, string(filter.Terminal))
		clauses = append(clauses, fmt.Sprintf("terminal_reason = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := s.scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	r, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires = $2
		WHERE id = $3 AND (lease_owner = '' OR lease_owner = $1 OR lease_expires <= $4)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = $1`, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrInstanceNotFound
	}
	return false, err
}

func (s *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_expires = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("lease not held by " + owner)
	}
	return nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_owner = '', lease_expires = 0
		WHERE id = $1 AND lease_owner = $2`,
		instanceID, owner,
	)
	return err
}

func (s *PostgresStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE instance_id = $1`,
		cp.InstanceID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, seq, state, step, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.InstanceID, seq, string(cp.State), cp.Step, cp.Snapshot, createdAt.UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, instanceID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, seq, state, step, snapshot, created_at
		FROM checkpoints WHERE instance_id = $1
		ORDER BY seq DESC LIMIT 1`, instanceID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return cp, err
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, state, step, snapshot, created_at
		FROM checkpoints WHERE instance_id = $1
		ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *PostgresStore) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	updatedAt := pa.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	r, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions
			(idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		pa.IdempotencyKey, pa.InstanceID, pa.Kind, pa.Status,
		pa.ExternalRef, pa.LastError, updatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) GetPendingAction(ctx context.Context, key string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at
		FROM pending_actions WHERE idempotency_key = $1`, key)

	pa, err := scanPendingAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	return pa, err
}

func (s *PostgresStore) UpdatePendingAction(ctx context.Context, pa *PendingAction) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = $1, external_ref = $2, last_error = $3, updated_at = $4
		WHERE idempotency_key = $5`,
		pa.Status, pa.ExternalRef, pa.LastError, time.Now().UnixNano(),
		pa.IdempotencyKey,
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingActions(ctx context.Context, instanceID string) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at
		FROM pending_actions WHERE instance_id = $1
		ORDER BY idempotency_key`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingAction
	for rows.Next() {
		pa, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EnqueueBatch(ctx context.Context, e *BatchEntry) error {
	r, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_queue
			(entry_id, user_id, instance_id, category, proposed_folder, summary, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entry_id) DO NOTHING`,
		e.EntryID, e.UserID, e.InstanceID, e.Category, e.ProposedFolder,
		e.Summary, e.ScheduledAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) ListBatch(ctx context.Context, userID string) ([]*BatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, user_id, instance_id, category, proposed_folder, summary, scheduled_at
		FROM batch_queue WHERE user_id = $1
		ORDER BY scheduled_at, entry_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BatchEntry
	for rows.Next() {
		var (
			e           BatchEntry
			scheduledAt int64
		)
		err := rows.Scan(&e.EntryID, &e.UserID, &e.InstanceID, &e.Category,
			&e.ProposedFolder, &e.Summary, &scheduledAt)
		if err != nil {
			return nil, err
		}
		e.ScheduledAt = time.Unix(0, scheduledAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(entryIDs))
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM batch_queue WHERE entry_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	return err
}

func (s *PostgresStore) ListBatchUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM batch_queue ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SaveDispatchMarker(ctx context.Context, m *DispatchMarker) error {
	ids, err := EncodeValue(m.EntryIDs)
	if err != nil {
		return err
	}

	dispatchedAt := m.DispatchedAt
	if dispatchedAt.IsZero() {
		dispatchedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_markers (user_id, digest_id, entry_ids, dispatched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			digest_id = EXCLUDED.digest_id,
			entry_ids = EXCLUDED.entry_ids,
			dispatched_at = EXCLUDED.dispatched_at`,
		m.UserID, m.DigestID, ids, dispatchedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) GetDispatchMarker(ctx context.Context, userID string) (*DispatchMarker, error) {
	var (
		m            DispatchMarker
		ids          []byte
		dispatchedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, digest_id, entry_ids, dispatched_at
		FROM dispatch_markers WHERE user_id = $1`, userID,
	).Scan(&m.UserID, &m.DigestID, &ids, &dispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMarkerNotFound
	}
	if err != nil {
		return nil, err
	}

	entryIDs, err := DecodeValue[[]string](ids)
	if err != nil {
		return nil, err
	}
	m.EntryIDs = entryIDs
	m.DispatchedAt = time.Unix(0, dispatchedAt)
	return &m, nil
}

func (s *PostgresStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	r, err := s.db.ExecContext(ctx, `
		INSERT INTO correlations
			(correlation_key, instance_id, user_id, message_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_key) DO NOTHING`,
		c.CorrelationKey, c.InstanceID, c.UserID, c.MessageRef, createdAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) GetCorrelation(ctx context.Context, key string) (*Correlation, error) {
	var (
		c         Correlation
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT correlation_key, instance_id, user_id, message_ref, created_at
		FROM correlations WHERE correlation_key = $1`, key,
	).Scan(&c.CorrelationKey, &c.InstanceID, &c.UserID, &c.MessageRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}

func (s *PostgresStore) DeleteCorrelation(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE correlation_key = $1`, key)
	return err
}
