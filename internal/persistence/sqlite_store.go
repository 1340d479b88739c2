package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

// SQLiteStore implements every store interface on top of a single SQLite
// database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ InstanceStore      = (*SQLiteStore)(nil)
	_ CheckpointStore    = (*SQLiteStore)(nil)
	_ PendingActionStore = (*SQLiteStore)(nil)
	_ BatchQueueStore    = (*SQLiteStore)(nil)
	_ CorrelationStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bundle returns a Persistence with every store backed by s.
func (s *SQLiteStore) Bundle() Persistence {
	return Persistence{
		Instances:    s,
		Checkpoints:  s,
		Actions:      s,
		Batch:        s,
		Correlations: s,
	}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			correlation_key TEXT NOT NULL,
			item_ref TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			terminal_reason TEXT NOT NULL,
			priority_score INTEGER NOT NULL,
			is_priority INTEGER NOT NULL,
			item BLOB,
			classification BLOB,
			decision BLOB,
			result BLOB,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_correlation
			ON instances(correlation_key);

		CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state TEXT NOT NULL,
			step TEXT NOT NULL,
			snapshot BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);

		CREATE TABLE IF NOT EXISTS pending_actions (
			idempotency_key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
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
			scheduled_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_batch_queue_user
			ON batch_queue(user_id, scheduled_at);

		CREATE TABLE IF NOT EXISTS dispatch_markers (
			user_id TEXT PRIMARY KEY,
			digest_id TEXT NOT NULL,
			entry_ids BLOB,
			dispatched_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS correlations (
			correlation_key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			message_ref TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	)
	return err
}

// encodeInstanceBlobs gob-encodes the structured fields of an instance.
// Shared with the Postgres store.
func encodeInstanceBlobs(inst *api.Instance) (item, cls, dec, res []byte, err error) {
	item, err = EncodeValue(inst.Item)
	if err != nil {
		return
	}
	if inst.Classification != nil {
		cls, err = EncodeValue(*inst.Classification)
		if err != nil {
			return
		}
	}
	if inst.Decision != nil {
		dec, err = EncodeValue(*inst.Decision)
		if err != nil {
			return
		}
	}
	if inst.Result != nil {
		res, err = EncodeValue(*inst.Result)
	}
	return
}

func decodeInstanceBlobs(inst *api.Instance, item, cls, dec, res []byte) error {
	it, err := DecodeValue[api.Item](item)
	if err != nil {
		return err
	}
	inst.Item = it

	if len(cls) > 0 {
		c, err := DecodeValue[api.Classification](cls)
		if err != nil {
			return err
		}
		inst.Classification = &c
	}
	if len(dec) > 0 {
		d, err := DecodeValue[api.DecisionInput](dec)
		if err != nil {
			return err
		}
		inst.Decision = &d
	}
	if len(res) > 0 {
		r, err := DecodeValue[api.ActionResult](res)
		if err != nil {
			return err
		}
		inst.Result = &r
	}
	return nil
}

const instanceColumns = `id, correlation_key, item_ref, user_id, state, terminal_reason,
	priority_score, is_priority, item, classification, decision, result, error,
	created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*api.Instance, error) {
	var (
		inst                 api.Instance
		stateStr, termStr    string
		isPriority           int
		item, cls, dec, res  []byte
		errStr               sql.NullString
		createdAt, updatedAt int64
	)

	err := row.Scan(&inst.ID, &inst.CorrelationKey, &inst.ItemRef, &inst.UserID,
		&stateStr, &termStr, &inst.PriorityScore, &isPriority,
		&item, &cls, &dec, &res, &errStr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.State = api.State(stateStr)
	inst.Terminal = api.TerminalReason(termStr)
	inst.IsPriority = isPriority != 0
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

func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *api.Instance) error {
	item, cls, dec, res, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}

	boolInt := 0
	if inst.IsPriority {
		boolInt = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CorrelationKey, inst.ItemRef, inst.UserID,
		string(inst.State), string(inst.Terminal),
		inst.PriorityScore, boolInt,
		item, cls, dec, res, inst.Err,
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateKey
	}
	return err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	item, cls, dec, res, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}

	boolInt := 0
	if inst.IsPriority {
		boolInt = 1
	}

	r, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET state = ?, terminal_reason = ?, priority_score = ?, is_priority = ?,
			item = ?, classification = ?, decision = ?, result = ?, error = ?,
			updated_at = ?
		WHERE id = ?`,
		string(inst.State), string(inst.Terminal),
		inst.PriorityScore, boolInt,
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

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) GetInstanceByCorrelation(ctx context.Context, key string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE correlation_key = ?`, key)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Terminal != "" {
		clauses = append(clauses, "terminal_reason = ?")
		args = append(args, string(filter.Terminal))
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
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	r, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires <= ?)`,
		owner, now.Add(ttl).UnixNano(), instanceID, owner, now.UnixNano(),
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

	// Distinguish "leased by someone else" from "no such instance".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrInstanceNotFound
	}
	return false, err
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_expires = ?
		WHERE id = ? AND lease_owner = ?`,
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

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_owner = '', lease_expires = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE instance_id = ?`,
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
		VALUES (?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, instanceID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, seq, state, step, snapshot, created_at
		FROM checkpoints WHERE instance_id = ?
		ORDER BY seq DESC LIMIT 1`, instanceID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return cp, err
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, state, step, snapshot, created_at
		FROM checkpoints WHERE instance_id = ?
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

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		stateStr  string
		createdAt int64
	)
	if err := row.Scan(&cp.InstanceID, &cp.Seq, &stateStr, &cp.Step, &cp.Snapshot, &createdAt); err != nil {
		return nil, err
	}
	cp.State = api.State(stateStr)
	cp.CreatedAt = time.Unix(0, createdAt)
	return &cp, nil
}

func (s *SQLiteStore) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	updatedAt := pa.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	r, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_actions
			(idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) GetPendingAction(ctx context.Context, key string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at
		FROM pending_actions WHERE idempotency_key = ?`, key)

	pa, err := scanPendingAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	return pa, err
}

func (s *SQLiteStore) UpdatePendingAction(ctx context.Context, pa *PendingAction) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, external_ref = ?, last_error = ?, updated_at = ?
		WHERE idempotency_key = ?`,
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

func (s *SQLiteStore) ListPendingActions(ctx context.Context, instanceID string) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, instance_id, kind, status, external_ref, last_error, updated_at
		FROM pending_actions WHERE instance_id = ?
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

func scanPendingAction(row interface{ Scan(...any) error }) (*PendingAction, error) {
	var (
		pa        PendingAction
		updatedAt int64
	)
	err := row.Scan(&pa.IdempotencyKey, &pa.InstanceID, &pa.Kind, &pa.Status,
		&pa.ExternalRef, &pa.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	pa.UpdatedAt = time.Unix(0, updatedAt)
	return &pa, nil
}

func (s *SQLiteStore) EnqueueBatch(ctx context.Context, e *BatchEntry) error {
	r, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO batch_queue
			(entry_id, user_id, instance_id, category, proposed_folder, summary, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) ListBatch(ctx context.Context, userID string) ([]*BatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, user_id, instance_id, category, proposed_folder, summary, scheduled_at
		FROM batch_queue WHERE user_id = ?
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

func (s *SQLiteStore) DeleteBatch(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(entryIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM batch_queue WHERE entry_id IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLiteStore) ListBatchUsers(ctx context.Context) ([]string, error) {
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

func (s *SQLiteStore) SaveDispatchMarker(ctx context.Context, m *DispatchMarker) error {
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			digest_id = excluded.digest_id,
			entry_ids = excluded.entry_ids,
			dispatched_at = excluded.dispatched_at`,
		m.UserID, m.DigestID, ids, dispatchedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetDispatchMarker(ctx context.Context, userID string) (*DispatchMarker, error) {
	var (
		m            DispatchMarker
		ids          []byte
		dispatchedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, digest_id, entry_ids, dispatched_at
		FROM dispatch_markers WHERE user_id = ?`, userID,
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

func (s *SQLiteStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	r, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO correlations
			(correlation_key, instance_id, user_id, message_ref, created_at)
		VALUES (?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) GetCorrelation(ctx context.Context, key string) (*Correlation, error) {
	var (
		c         Correlation
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT correlation_key, instance_id, user_id, message_ref, created_at
		FROM correlations WHERE correlation_key = ?`, key,
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

func (s *SQLiteStore) DeleteCorrelation(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE correlation_key = ?`, key)
	return err
}
