// Package postgres persists the control plane in PostgreSQL via GORM. It is
// the multi-node option: conditional updates run as single guarded UPDATE
// statements so concurrent API replicas stay correct without advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

// Store is the PostgreSQL-backed implementation of every persistence seam.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&agentModel{},
		&budgetModel{},
		&proposalModel{},
		&deliveryModel{},
		&activityModel{},
		&auditModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type agentModel struct {
	ID                 string `gorm:"primaryKey"`
	Owner              string `gorm:"index"`
	Name               string
	Status             string
	APIKeyHash         string `gorm:"column:api_key_hash;uniqueIndex"`
	APIKeyPrefix       string `gorm:"column:api_key_prefix"`
	WebhookURL         string
	WebhookSecret      string
	WebhookSecretHash  string
	AutoExecuteEnabled bool
	AutoExecuteRules   []byte `gorm:"type:jsonb"`
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastActiveAt       *time.Time
}

func (agentModel) TableName() string { return "agents" }

type budgetModel struct {
	ID              string `gorm:"primaryKey"`
	AgentID         string `gorm:"index"`
	Owner           string
	Amount          decimal.Decimal `gorm:"type:numeric(38,18)"`
	Token           string
	ChainID         *int64
	Period          string
	UsedAmount      decimal.Decimal `gorm:"type:numeric(38,18)"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(38,18)"`
	PeriodStart     time.Time
	PeriodEnd       *time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (budgetModel) TableName() string { return "budgets" }

type proposalModel struct {
	ID           string `gorm:"primaryKey"`
	AgentID      string `gorm:"index:idx_proposals_agent_status"`
	Owner        string `gorm:"index"`
	Recipient    string
	Amount       decimal.Decimal `gorm:"type:numeric(38,18)"`
	Token        string
	ChainID      int64
	Reason       string
	BudgetID     string
	Status       string `gorm:"index:idx_proposals_agent_status"`
	TxHash       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DecidedAt    *time.Time
	ExecutedAt   *time.Time
}

func (proposalModel) TableName() string { return "proposals" }

type deliveryModel struct {
	ID             string `gorm:"primaryKey"`
	AgentID        string `gorm:"index"`
	EventType      string
	Payload        []byte `gorm:"type:jsonb"`
	Status         string `gorm:"index:idx_deliveries_due"`
	Attempts       int
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time `gorm:"index:idx_deliveries_due"`
	ResponseStatus int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (deliveryModel) TableName() string { return "webhook_deliveries" }

type activityModel struct {
	ID          string `gorm:"primaryKey"`
	AgentID     string `gorm:"index"`
	Owner       string `gorm:"index"`
	Action      string
	Description string
	Metadata    []byte `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (activityModel) TableName() string { return "activity_entries" }

type auditModel struct {
	ID           string `gorm:"primaryKey"`
	ActorType    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Details      string
	CreatedAt    time.Time
}

func (auditModel) TableName() string { return "audit_entries" }

// --- registry.Store ---

func (s *Store) InsertAgent(ctx context.Context, a *registry.Agent) error {
	m, err := agentToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	var m agentModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agentFromModel(&m)
}

func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*registry.Agent, error) {
	var m agentModel
	err := s.db.WithContext(ctx).First(&m, "api_key_hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agentFromModel(&m)
}

func (s *Store) ListAgents(ctx context.Context, owner string) ([]*registry.Agent, error) {
	var models []agentModel
	if err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*registry.Agent, 0, len(models))
	for i := range models {
		a, err := agentFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *registry.Agent) error {
	m, err := agentToModel(a)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *Store) CountAgents(ctx context.Context, owner string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&agentModel{}).Where("owner = ?", owner).Count(&count).Error
	return int(count), err
}

func (s *Store) TouchAgentLastActive(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&agentModel{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

func agentToModel(a *registry.Agent) (*agentModel, error) {
	var rules []byte
	if a.AutoExecuteRules != nil {
		raw, err := json.Marshal(a.AutoExecuteRules)
		if err != nil {
			return nil, err
		}
		rules = raw
	}
	m := &agentModel{
		ID:                 a.ID,
		Owner:              a.Owner,
		Name:               a.Name,
		Status:             string(a.Status),
		APIKeyHash:         a.APIKeyHash,
		APIKeyPrefix:       a.APIKeyPrefix,
		WebhookURL:         a.WebhookURL,
		WebhookSecret:      a.WebhookSecret,
		WebhookSecretHash:  a.WebhookSecretHash,
		AutoExecuteEnabled: a.AutoExecuteEnabled,
		AutoExecuteRules:   rules,
		RateLimitPerMinute: a.RateLimitPerMinute,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
	if !a.LastActiveAt.IsZero() {
		t := a.LastActiveAt
		m.LastActiveAt = &t
	}
	return m, nil
}

func agentFromModel(m *agentModel) (*registry.Agent, error) {
	a := &registry.Agent{
		ID:                 m.ID,
		Owner:              m.Owner,
		Name:               m.Name,
		Status:             registry.Status(m.Status),
		APIKeyHash:         m.APIKeyHash,
		APIKeyPrefix:       m.APIKeyPrefix,
		WebhookURL:         m.WebhookURL,
		WebhookSecret:      m.WebhookSecret,
		WebhookSecretHash:  m.WebhookSecretHash,
		AutoExecuteEnabled: m.AutoExecuteEnabled,
		RateLimitPerMinute: m.RateLimitPerMinute,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.LastActiveAt != nil {
		a.LastActiveAt = *m.LastActiveAt
	}
	if len(m.AutoExecuteRules) > 0 {
		var r registry.AutoExecuteRules
		if err := json.Unmarshal(m.AutoExecuteRules, &r); err != nil {
			return nil, fmt.Errorf("decode auto execute rules: %w", err)
		}
		a.AutoExecuteRules = &r
	}
	return a, nil
}

// --- budget.Store ---

func (s *Store) InsertBudget(ctx context.Context, b *budget.Budget) error {
	return s.db.WithContext(ctx).Create(budgetToModel(b)).Error
}

func (s *Store) GetBudget(ctx context.Context, id string) (*budget.Budget, error) {
	var m budgetModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return budgetFromModel(&m), nil
}

func (s *Store) ListBudgets(ctx context.Context, agentID string) ([]*budget.Budget, error) {
	var models []budgetModel
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*budget.Budget, 0, len(models))
	for i := range models {
		out = append(out, budgetFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) UpdateBudget(ctx context.Context, b *budget.Budget) error {
	return s.db.WithContext(ctx).Save(budgetToModel(b)).Error
}

func (s *Store) DeleteBudget(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&budgetModel{}, "id = ?", id).Error
}

// DebitBudget runs one guarded UPDATE; the remaining_amount >= amount clause
// makes it safe under concurrent replicas without row locks held in Go.
func (s *Store) DebitBudget(ctx context.Context, id string, amount decimal.Decimal) (*budget.Budget, error) {
	res := s.db.WithContext(ctx).Model(&budgetModel{}).
		Where("id = ? AND remaining_amount >= ?", id, amount).
		Updates(map[string]any{
			"used_amount":      gorm.Expr("used_amount + ?", amount),
			"remaining_amount": gorm.Expr("remaining_amount - ?", amount),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	current, err := s.GetBudget(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if current == nil {
			return nil, budget.ErrInsufficient
		}
		return current, budget.ErrInsufficient
	}
	return current, nil
}

func (s *Store) ListExpiredBudgets(ctx context.Context, now time.Time) ([]*budget.Budget, error) {
	var models []budgetModel
	if err := s.db.WithContext(ctx).
		Where("period_end IS NOT NULL AND period_end <= ?", now).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*budget.Budget, 0, len(models))
	for i := range models {
		out = append(out, budgetFromModel(&models[i]))
	}
	return out, nil
}

func budgetToModel(b *budget.Budget) *budgetModel {
	return &budgetModel{
		ID:              b.ID,
		AgentID:         b.AgentID,
		Owner:           b.Owner,
		Amount:          b.Amount,
		Token:           b.Token,
		ChainID:         b.ChainID,
		Period:          string(b.Period),
		UsedAmount:      b.UsedAmount,
		RemainingAmount: b.RemainingAmount,
		PeriodStart:     b.PeriodStart,
		PeriodEnd:       b.PeriodEnd,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func budgetFromModel(m *budgetModel) *budget.Budget {
	return &budget.Budget{
		ID:              m.ID,
		AgentID:         m.AgentID,
		Owner:           m.Owner,
		Amount:          m.Amount,
		Token:           m.Token,
		ChainID:         m.ChainID,
		Period:          budget.Period(m.Period),
		UsedAmount:      m.UsedAmount,
		RemainingAmount: m.RemainingAmount,
		PeriodStart:     m.PeriodStart,
		PeriodEnd:       m.PeriodEnd,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// --- proposal.Store ---

func (s *Store) InsertProposal(ctx context.Context, p *proposal.Proposal) error {
	return s.db.WithContext(ctx).Create(proposalToModel(p)).Error
}

func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	var m proposalModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return proposalFromModel(&m), nil
}

func (s *Store) ListProposals(ctx context.Context, filter proposal.Filter) ([]*proposal.Proposal, error) {
	q := s.db.WithContext(ctx).Model(&proposalModel{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var models []proposalModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*proposal.Proposal, 0, len(models))
	for i := range models {
		out = append(out, proposalFromModel(&models[i]))
	}
	return out, nil
}

func (s *Store) UpdateProposalStatus(ctx context.Context, p *proposal.Proposal, from proposal.Status) error {
	res := s.db.WithContext(ctx).Model(&proposalModel{}).
		Where("id = ? AND status = ?", p.ID, string(from)).
		Updates(map[string]any{
			"budget_id":     p.BudgetID,
			"status":        string(p.Status),
			"tx_hash":       p.TxHash,
			"error_message": p.ErrorMessage,
			"updated_at":    p.UpdatedAt,
			"decided_at":    p.DecidedAt,
			"executed_at":   p.ExecutedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return proposal.ErrStaleStatus
	}
	return nil
}

func (s *Store) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	var raw sql.NullString
	err := s.db.WithContext(ctx).Model(&proposalModel{}).
		Select("SUM(amount)").
		Where("agent_id = ? AND status = ? AND decided_at >= ?",
			agentID, string(proposal.StatusExecuted), since).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !raw.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw.String)
}

func proposalToModel(p *proposal.Proposal) *proposalModel {
	return &proposalModel{
		ID:           p.ID,
		AgentID:      p.AgentID,
		Owner:        p.Owner,
		Recipient:    p.Recipient,
		Amount:       p.Amount,
		Token:        p.Token,
		ChainID:      p.ChainID,
		Reason:       p.Reason,
		BudgetID:     p.BudgetID,
		Status:       string(p.Status),
		TxHash:       p.TxHash,
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		DecidedAt:    p.DecidedAt,
		ExecutedAt:   p.ExecutedAt,
	}
}

func proposalFromModel(m *proposalModel) *proposal.Proposal {
	return &proposal.Proposal{
		ID:           m.ID,
		AgentID:      m.AgentID,
		Owner:        m.Owner,
		Recipient:    m.Recipient,
		Amount:       m.Amount,
		Token:        m.Token,
		ChainID:      m.ChainID,
		Reason:       m.Reason,
		BudgetID:     m.BudgetID,
		Status:       proposal.Status(m.Status),
		TxHash:       m.TxHash,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		DecidedAt:    m.DecidedAt,
		ExecutedAt:   m.ExecutedAt,
	}
}

// --- webhook.Store ---

func (s *Store) InsertDelivery(ctx context.Context, d *webhook.Delivery) error {
	return s.db.WithContext(ctx).Create(deliveryToModel(d)).Error
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	var m deliveryModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deliveryFromModel(&m), nil
}

func (s *Store) ListDeliveries(ctx context.Context, agentID string, limit int) ([]*webhook.Delivery, error) {
	q := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []deliveryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*webhook.Delivery, 0, len(models))
	for i := range models {
		out = append(out, deliveryFromModel(&models[i]))
	}
	return out, nil
}

// ClaimDue flips due rows to delivering with FOR UPDATE SKIP LOCKED, so
// multiple replicas partition the due set instead of double-attempting.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	var claimed []*webhook.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(forUpdateSkipLocked()).
			Where("status IN ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
				[]string{string(webhook.StatusPending), string(webhook.StatusRetrying)}, now).
			Order("next_retry_at")
		if limit > 0 {
			q = q.Limit(limit)
		}
		var models []deliveryModel
		if err := q.Find(&models).Error; err != nil {
			return err
		}
		for i := range models {
			models[i].Status = string(webhook.StatusDelivering)
			models[i].UpdatedAt = now
			if err := tx.Model(&deliveryModel{}).
				Where("id = ?", models[i].ID).
				Updates(map[string]any{"status": models[i].Status, "updated_at": now}).Error; err != nil {
				return err
			}
			claimed = append(claimed, deliveryFromModel(&models[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	return s.db.WithContext(ctx).Save(deliveryToModel(d)).Error
}

func forUpdateSkipLocked() clause.Expression {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

func deliveryToModel(d *webhook.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:             d.ID,
		AgentID:        d.AgentID,
		EventType:      d.EventType,
		Payload:        []byte(d.Payload),
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		LastAttemptAt:  d.LastAttemptAt,
		NextRetryAt:    d.NextRetryAt,
		ResponseStatus: d.ResponseStatus,
		ErrorMessage:   d.ErrorMessage,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func deliveryFromModel(m *deliveryModel) *webhook.Delivery {
	return &webhook.Delivery{
		ID:             m.ID,
		AgentID:        m.AgentID,
		EventType:      m.EventType,
		Payload:        json.RawMessage(m.Payload),
		Status:         webhook.Status(m.Status),
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		NextRetryAt:    m.NextRetryAt,
		ResponseStatus: m.ResponseStatus,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// --- audit.Store ---

func (s *Store) AppendActivity(ctx context.Context, entry *audit.ActivityEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}
	return s.db.WithContext(ctx).Create(&activityModel{
		ID:          entry.ID,
		AgentID:     entry.AgentID,
		Owner:       entry.Owner,
		Action:      entry.Action,
		Description: entry.Description,
		Metadata:    metadata,
		CreatedAt:   entry.CreatedAt,
	}).Error
}

func (s *Store) AppendAudit(ctx context.Context, entry *audit.AuditEntry) error {
	return s.db.WithContext(ctx).Create(&auditModel{
		ID:           entry.ID,
		ActorType:    string(entry.ActorType),
		ActorID:      entry.ActorID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		CreatedAt:    entry.CreatedAt,
	}).Error
}

func (s *Store) ListActivities(ctx context.Context, filter audit.ActivityFilter) ([]*audit.ActivityEntry, error) {
	q := s.db.WithContext(ctx).Model(&activityModel{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Action != "" {
		q = q.Where("LOWER(action) = LOWER(?)", filter.Action)
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var models []activityModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*audit.ActivityEntry, 0, len(models))
	for i := range models {
		entry := &audit.ActivityEntry{
			ID:          models[i].ID,
			AgentID:     models[i].AgentID,
			Owner:       models[i].Owner,
			Action:      models[i].Action,
			Description: models[i].Description,
			CreatedAt:   models[i].CreatedAt,
		}
		if len(models[i].Metadata) > 0 {
			if err := json.Unmarshal(models[i].Metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]*audit.AuditEntry, error) {
	q := s.db.WithContext(ctx).Model(&auditModel{}).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []auditModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*audit.AuditEntry, 0, len(models))
	for i := range models {
		out = append(out, &audit.AuditEntry{
			ID:           models[i].ID,
			ActorType:    audit.ActorType(models[i].ActorType),
			ActorID:      models[i].ActorID,
			Action:       models[i].Action,
			ResourceType: models[i].ResourceType,
			ResourceID:   models[i].ResourceID,
			Details:      models[i].Details,
			CreatedAt:    models[i].CreatedAt,
		})
	}
	return out, nil
}
