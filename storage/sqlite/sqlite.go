// Package sqlite persists the control plane in an embedded SQLite database.
// It targets single-node deployments; the schema is applied on open and the
// conditional updates lean on SQLite's single-writer semantics.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    api_key_hash TEXT NOT NULL UNIQUE,
    api_key_prefix TEXT NOT NULL,
    webhook_url TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT '',
    webhook_secret_hash TEXT NOT NULL DEFAULT '',
    auto_execute_enabled INTEGER NOT NULL DEFAULT 0,
    auto_execute_rules TEXT,
    rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_active_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner);

CREATE TABLE IF NOT EXISTS budgets (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    owner TEXT NOT NULL,
    amount TEXT NOT NULL,
    token TEXT NOT NULL,
    chain_id INTEGER,
    period TEXT NOT NULL,
    used_amount TEXT NOT NULL,
    remaining_amount TEXT NOT NULL,
    period_start INTEGER NOT NULL,
    period_end INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budgets_agent ON budgets(agent_id);

CREATE TABLE IF NOT EXISTS proposals (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    owner TEXT NOT NULL,
    recipient TEXT NOT NULL,
    amount TEXT NOT NULL,
    token TEXT NOT NULL,
    chain_id INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    budget_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    decided_at INTEGER,
    executed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_proposals_agent_status ON proposals(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_proposals_owner ON proposals(owner);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER,
    next_retry_at INTEGER,
    response_status INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_agent ON webhook_deliveries(agent_id);

CREATE TABLE IF NOT EXISTS activity_entries (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    owner TEXT NOT NULL,
    action TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_entries(agent_id);
CREATE INDEX IF NOT EXISTS idx_activity_owner ON activity_entries(owner);

CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
`

// Store is the SQLite-backed implementation of every persistence seam.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. The
// DSN enables WAL and a busy timeout so the scanner and the request path can
// share the file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writes per connection; a single connection
	// avoids SQLITE_BUSY between the scanner and request handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- registry.Store ---

func (s *Store) InsertAgent(ctx context.Context, a *registry.Agent) error {
	rules, err := marshalRules(a.AutoExecuteRules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents
        (id, owner, name, status, api_key_hash, api_key_prefix, webhook_url,
         webhook_secret, webhook_secret_hash, auto_execute_enabled,
         auto_execute_rules, rate_limit_per_minute, created_at, updated_at, last_active_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Owner, a.Name, string(a.Status), a.APIKeyHash, a.APIKeyPrefix,
		a.WebhookURL, a.WebhookSecret, a.WebhookSecretHash, boolInt(a.AutoExecuteEnabled),
		rules, a.RateLimitPerMinute, ns(a.CreatedAt), ns(a.UpdatedAt), nsPtrFromValue(a.LastActiveAt))
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, selectAgent+` WHERE id = ?`, id))
}

func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*registry.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, selectAgent+` WHERE api_key_hash = ?`, hash))
}

func (s *Store) ListAgents(ctx context.Context, owner string) ([]*registry.Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectAgent+` WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*registry.Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *registry.Agent) error {
	rules, err := marshalRules(a.AutoExecuteRules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE agents SET
        owner = ?, name = ?, status = ?, api_key_hash = ?, api_key_prefix = ?,
        webhook_url = ?, webhook_secret = ?, webhook_secret_hash = ?,
        auto_execute_enabled = ?, auto_execute_rules = ?, rate_limit_per_minute = ?,
        updated_at = ?, last_active_at = ?
        WHERE id = ?`,
		a.Owner, a.Name, string(a.Status), a.APIKeyHash, a.APIKeyPrefix,
		a.WebhookURL, a.WebhookSecret, a.WebhookSecretHash,
		boolInt(a.AutoExecuteEnabled), rules, a.RateLimitPerMinute,
		ns(a.UpdatedAt), nsPtrFromValue(a.LastActiveAt), a.ID)
	return err
}

func (s *Store) CountAgents(ctx context.Context, owner string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE owner = ?`, owner).Scan(&count)
	return count, err
}

func (s *Store) TouchAgentLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_active_at = ? WHERE id = ?`, ns(at), id)
	return err
}

const selectAgent = `SELECT id, owner, name, status, api_key_hash, api_key_prefix,
    webhook_url, webhook_secret, webhook_secret_hash, auto_execute_enabled,
    auto_execute_rules, rate_limit_per_minute, created_at, updated_at, last_active_at
    FROM agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAgent(row rowScanner) (*registry.Agent, error) {
	var (
		a          registry.Agent
		status     string
		autoExec   int64
		rules      sql.NullString
		created    int64
		updated    int64
		lastActive sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Owner, &a.Name, &status, &a.APIKeyHash, &a.APIKeyPrefix,
		&a.WebhookURL, &a.WebhookSecret, &a.WebhookSecretHash, &autoExec,
		&rules, &a.RateLimitPerMinute, &created, &updated, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Status = registry.Status(status)
	a.AutoExecuteEnabled = autoExec != 0
	a.CreatedAt = fromNS(created)
	a.UpdatedAt = fromNS(updated)
	if lastActive.Valid {
		a.LastActiveAt = fromNS(lastActive.Int64)
	}
	if rules.Valid && rules.String != "" {
		var r registry.AutoExecuteRules
		if err := json.Unmarshal([]byte(rules.String), &r); err != nil {
			return nil, fmt.Errorf("decode auto execute rules: %w", err)
		}
		a.AutoExecuteRules = &r
	}
	return &a, nil
}

// --- budget.Store ---

func (s *Store) InsertBudget(ctx context.Context, b *budget.Budget) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO budgets
        (id, agent_id, owner, amount, token, chain_id, period, used_amount,
         remaining_amount, period_start, period_end, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.AgentID, b.Owner, b.Amount.String(), b.Token, b.ChainID, string(b.Period),
		b.UsedAmount.String(), b.RemainingAmount.String(),
		ns(b.PeriodStart), nsPtr(b.PeriodEnd), ns(b.CreatedAt), ns(b.UpdatedAt))
	return err
}

func (s *Store) GetBudget(ctx context.Context, id string) (*budget.Budget, error) {
	return s.scanBudget(s.db.QueryRowContext(ctx, selectBudget+` WHERE id = ?`, id))
}

func (s *Store) ListBudgets(ctx context.Context, agentID string) ([]*budget.Budget, error) {
	rows, err := s.db.QueryContext(ctx, selectBudget+` WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectBudgets(rows)
}

func (s *Store) UpdateBudget(ctx context.Context, b *budget.Budget) error {
	_, err := s.db.ExecContext(ctx, `UPDATE budgets SET
        amount = ?, token = ?, chain_id = ?, period = ?, used_amount = ?,
        remaining_amount = ?, period_start = ?, period_end = ?, updated_at = ?
        WHERE id = ?`,
		b.Amount.String(), b.Token, b.ChainID, string(b.Period),
		b.UsedAmount.String(), b.RemainingAmount.String(),
		ns(b.PeriodStart), nsPtr(b.PeriodEnd), ns(b.UpdatedAt), b.ID)
	return err
}

func (s *Store) DeleteBudget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	return err
}

// DebitBudget consumes amount inside one transaction. Decimal arithmetic
// happens in Go, so the update is guarded by the previous used_amount value
// and retried failures surface as ErrInsufficient with the current row.
func (s *Store) DebitBudget(ctx context.Context, id string, amount decimal.Decimal) (*budget.Budget, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := s.scanBudget(tx.QueryRowContext(ctx, selectBudget+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, budget.ErrInsufficient
	}
	if b.RemainingAmount.LessThan(amount) {
		return b, budget.ErrInsufficient
	}
	prevUsed := b.UsedAmount.String()
	b.UsedAmount = b.UsedAmount.Add(amount)
	b.RemainingAmount = b.RemainingAmount.Sub(amount)
	b.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE budgets SET
        used_amount = ?, remaining_amount = ?, updated_at = ?
        WHERE id = ? AND used_amount = ?`,
		b.UsedAmount.String(), b.RemainingAmount.String(), ns(b.UpdatedAt), id, prevUsed)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return b, budget.ErrInsufficient
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) ListExpiredBudgets(ctx context.Context, now time.Time) ([]*budget.Budget, error) {
	rows, err := s.db.QueryContext(ctx, selectBudget+` WHERE period_end IS NOT NULL AND period_end <= ?`, ns(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectBudgets(rows)
}

const selectBudget = `SELECT id, agent_id, owner, amount, token, chain_id, period,
    used_amount, remaining_amount, period_start, period_end, created_at, updated_at
    FROM budgets`

func (s *Store) scanBudget(row rowScanner) (*budget.Budget, error) {
	var (
		b         budget.Budget
		amount    string
		chainID   sql.NullInt64
		period    string
		used      string
		remaining string
		start     int64
		end       sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(&b.ID, &b.AgentID, &b.Owner, &amount, &b.Token, &chainID, &period,
		&used, &remaining, &start, &end, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode budget amount: %w", err)
	}
	if b.UsedAmount, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("decode used amount: %w", err)
	}
	if b.RemainingAmount, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("decode remaining amount: %w", err)
	}
	if chainID.Valid {
		b.ChainID = &chainID.Int64
	}
	b.Period = budget.Period(period)
	b.PeriodStart = fromNS(start)
	if end.Valid {
		t := fromNS(end.Int64)
		b.PeriodEnd = &t
	}
	b.CreatedAt = fromNS(created)
	b.UpdatedAt = fromNS(updated)
	return &b, nil
}

func (s *Store) collectBudgets(rows *sql.Rows) ([]*budget.Budget, error) {
	var out []*budget.Budget
	for rows.Next() {
		b, err := s.scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- proposal.Store ---

func (s *Store) InsertProposal(ctx context.Context, p *proposal.Proposal) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO proposals
        (id, agent_id, owner, recipient, amount, token, chain_id, reason, budget_id,
         status, tx_hash, error_message, created_at, updated_at, decided_at, executed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.Owner, p.Recipient, p.Amount.String(), p.Token, p.ChainID,
		p.Reason, p.BudgetID, string(p.Status), p.TxHash, p.ErrorMessage,
		ns(p.CreatedAt), ns(p.UpdatedAt), nsPtr(p.DecidedAt), nsPtr(p.ExecutedAt))
	return err
}

func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	return s.scanProposal(s.db.QueryRowContext(ctx, selectProposal+` WHERE id = ?`, id))
}

func (s *Store) ListProposals(ctx context.Context, filter proposal.Filter) ([]*proposal.Proposal, error) {
	query := selectProposal + ` WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*proposal.Proposal
	for rows.Next() {
		p, err := s.scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProposalStatus is the compare-and-set write backing every state
// machine transition: the row only changes while its status still matches.
func (s *Store) UpdateProposalStatus(ctx context.Context, p *proposal.Proposal, from proposal.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET
        budget_id = ?, status = ?, tx_hash = ?, error_message = ?,
        updated_at = ?, decided_at = ?, executed_at = ?
        WHERE id = ? AND status = ?`,
		p.BudgetID, string(p.Status), p.TxHash, p.ErrorMessage,
		ns(p.UpdatedAt), nsPtr(p.DecidedAt), nsPtr(p.ExecutedAt),
		p.ID, string(from))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return proposal.ErrStaleStatus
	}
	return nil
}

func (s *Store) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM proposals WHERE agent_id = ? AND status = ? AND decided_at >= ?`,
		agentID, string(proposal.StatusExecuted), ns(since))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("decode proposal amount: %w", err)
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}

const selectProposal = `SELECT id, agent_id, owner, recipient, amount, token, chain_id,
    reason, budget_id, status, tx_hash, error_message, created_at, updated_at,
    decided_at, executed_at FROM proposals`

func (s *Store) scanProposal(row rowScanner) (*proposal.Proposal, error) {
	var (
		p        proposal.Proposal
		amount   string
		status   string
		created  int64
		updated  int64
		decided  sql.NullInt64
		executed sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.AgentID, &p.Owner, &p.Recipient, &amount, &p.Token, &p.ChainID,
		&p.Reason, &p.BudgetID, &status, &p.TxHash, &p.ErrorMessage,
		&created, &updated, &decided, &executed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode proposal amount: %w", err)
	}
	p.Status = proposal.Status(status)
	p.CreatedAt = fromNS(created)
	p.UpdatedAt = fromNS(updated)
	if decided.Valid {
		t := fromNS(decided.Int64)
		p.DecidedAt = &t
	}
	if executed.Valid {
		t := fromNS(executed.Int64)
		p.ExecutedAt = &t
	}
	return &p, nil
}

// --- webhook.Store ---

func (s *Store) InsertDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
        (id, agent_id, event_type, payload, status, attempts, last_attempt_at,
         next_retry_at, response_status, error_message, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.AgentID, d.EventType, []byte(d.Payload), string(d.Status), d.Attempts,
		nsPtr(d.LastAttemptAt), nsPtr(d.NextRetryAt), d.ResponseStatus, d.ErrorMessage,
		ns(d.CreatedAt), ns(d.UpdatedAt))
	return err
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	return s.scanDelivery(s.db.QueryRowContext(ctx, selectDelivery+` WHERE id = ?`, id))
}

func (s *Store) ListDeliveries(ctx context.Context, agentID string, limit int) ([]*webhook.Delivery, error) {
	query := selectDelivery + ` WHERE agent_id = ? ORDER BY created_at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectDeliveries(rows)
}

// ClaimDue flips due deliveries to delivering inside one transaction so
// overlapping scan ticks never double-attempt an event.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := selectDelivery + ` WHERE status IN (?, ?) AND next_retry_at IS NOT NULL
        AND next_retry_at <= ? ORDER BY next_retry_at`
	args := []any{string(webhook.StatusPending), string(webhook.StatusRetrying), ns(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	due, err := s.collectDeliveries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, d := range due {
		d.Status = webhook.StatusDelivering
		d.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET status = ?, updated_at = ? WHERE id = ?`,
			string(d.Status), ns(d.UpdatedAt), d.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_deliveries SET
        status = ?, attempts = ?, last_attempt_at = ?, next_retry_at = ?,
        response_status = ?, error_message = ?, updated_at = ?
        WHERE id = ?`,
		string(d.Status), d.Attempts, nsPtr(d.LastAttemptAt), nsPtr(d.NextRetryAt),
		d.ResponseStatus, d.ErrorMessage, ns(d.UpdatedAt), d.ID)
	return err
}

const selectDelivery = `SELECT id, agent_id, event_type, payload, status, attempts,
    last_attempt_at, next_retry_at, response_status, error_message, created_at, updated_at
    FROM webhook_deliveries`

func (s *Store) scanDelivery(row rowScanner) (*webhook.Delivery, error) {
	var (
		d           webhook.Delivery
		payload     []byte
		status      string
		lastAttempt sql.NullInt64
		nextRetry   sql.NullInt64
		created     int64
		updated     int64
	)
	err := row.Scan(&d.ID, &d.AgentID, &d.EventType, &payload, &status, &d.Attempts,
		&lastAttempt, &nextRetry, &d.ResponseStatus, &d.ErrorMessage, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = webhook.Status(status)
	if lastAttempt.Valid {
		t := fromNS(lastAttempt.Int64)
		d.LastAttemptAt = &t
	}
	if nextRetry.Valid {
		t := fromNS(nextRetry.Int64)
		d.NextRetryAt = &t
	}
	d.CreatedAt = fromNS(created)
	d.UpdatedAt = fromNS(updated)
	return &d, nil
}

func (s *Store) collectDeliveries(rows *sql.Rows) ([]*webhook.Delivery, error) {
	var out []*webhook.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- audit.Store ---

func (s *Store) AppendActivity(ctx context.Context, entry *audit.ActivityEntry) error {
	var metadata any
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO activity_entries
        (id, agent_id, owner, action, description, metadata, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.Owner, entry.Action, entry.Description,
		metadata, ns(entry.CreatedAt))
	return err
}

func (s *Store) AppendAudit(ctx context.Context, entry *audit.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_entries
        (id, actor_type, actor_id, action, resource_type, resource_id, details, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.ActorType), entry.ActorID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.Details, ns(entry.CreatedAt))
	return err
}

func (s *Store) ListActivities(ctx context.Context, filter audit.ActivityFilter) ([]*audit.ActivityEntry, error) {
	query := `SELECT id, agent_id, owner, action, description, metadata, created_at
        FROM activity_entries WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Action != "" {
		query += ` AND action = ? COLLATE NOCASE`
		args = append(args, filter.Action)
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` DESC LIMIT ?) ORDER BY created_at`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*audit.ActivityEntry
	for rows.Next() {
		var (
			entry    audit.ActivityEntry
			metadata sql.NullString
			created  int64
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Owner, &entry.Action,
			&entry.Description, &metadata, &created); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		entry.CreatedAt = fromNS(created)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]*audit.AuditEntry, error) {
	query := `SELECT id, actor_type, actor_id, action, resource_type, resource_id, details, created_at
        FROM audit_entries ORDER BY created_at`
	var args []any
	if limit > 0 {
		query = `SELECT * FROM (` + query + ` DESC LIMIT ?) ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*audit.AuditEntry
	for rows.Next() {
		var (
			entry     audit.AuditEntry
			actorType string
			created   int64
		)
		if err := rows.Scan(&entry.ID, &actorType, &entry.ActorID, &entry.Action,
			&entry.ResourceType, &entry.ResourceID, &entry.Details, &created); err != nil {
			return nil, err
		}
		entry.ActorType = audit.ActorType(actorType)
		entry.CreatedAt = fromNS(created)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// --- encoding helpers ---

// Timestamps persist as UTC nanoseconds; zero times persist as NULL.

func ns(t time.Time) int64 {
	return t.UnixNano()
}

func nsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nsPtrFromValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNS(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func marshalRules(r *registry.AutoExecuteRules) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
