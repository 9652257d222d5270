package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisStatus is the conversation_analyses.status enum (spec.md §3).
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// ConversationAnalysis is one AI-generated summary job for a (conversation_id, branch_id) pair.
type ConversationAnalysis struct {
	ID             string         `gorm:"column:id;primaryKey;type:uuid"`
	ConversationID string         `gorm:"column:conversation_id;index;not null"`
	BranchID       string         `gorm:"column:branch_id;not null"`
	Status         AnalysisStatus `gorm:"column:status;index;not null"`

	AnalysisContent string         `gorm:"column:analysis_content"`
	AnalysisData    map[string]any `gorm:"column:analysis_data;type:jsonb;serializer:json"`
	RawResponse     map[string]any `gorm:"column:raw_response;type:jsonb;serializer:json"`
	ErrorMessage    string         `gorm:"column:error_message"`
	RetryCount      int            `gorm:"column:retry_count"`

	PromptTokens     int `gorm:"column:prompt_tokens"`
	CompletionTokens int `gorm:"column:completion_tokens"`

	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName pins the table name used in spec.md §6.
func (ConversationAnalysis) TableName() string { return "conversation_analyses" }

// EnqueueAnalysis creates a new pending analysis row for a conversation
// branch. Per spec.md §3's partial-unique invariant, at most one
// non-failed row may exist per (conversation_id, branch_id); a prior
// failed row is left in place (superseded, not deleted) and a fresh
// pending row is inserted alongside it, matching §7's regeneration rule.
//
// The invariant is enforced by the database (a partial unique index on
// (conversation_id, branch_id) WHERE status <> 'failed'), not by a
// check-then-insert race: this always attempts the insert first and
// only falls back to a read when it loses the race, so two concurrent
// callers (e.g. two dashboard regenerate calls) can't both create a
// duplicate non-failed row.
func EnqueueAnalysis(conversationID, branchID string) (*ConversationAnalysis, error) {
	analysis := &ConversationAnalysis{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		BranchID:       branchID,
		Status:         AnalysisPending,
	}
	err := DB.Create(analysis).Error
	if err == nil {
		return analysis, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, errors.Wrap(err, "enqueue analysis")
	}

	// Lost the race to the partial unique index: the winner's row is the
	// current non-failed analysis for this branch.
	var existing ConversationAnalysis
	if err := DB.Where("conversation_id = ? AND branch_id = ? AND status != ?",
		conversationID, branchID, AnalysisFailed).
		First(&existing).Error; err != nil {
		return nil, errors.Wrap(err, "load analysis after duplicate enqueue")
	}
	return &existing, nil
}

// LeaseNextPending implements the C7 lease protocol step 1: in a single
// transaction, select one pending-and-retryable row `FOR UPDATE SKIP
// LOCKED`, flip it to processing, and return it. Returns (nil, nil) when
// no leasable row exists.
func LeaseNextPending(maxRetries int) (*ConversationAnalysis, error) {
	var leased *ConversationAnalysis

	err := DB.Transaction(func(tx *gorm.DB) error {
		var candidate ConversationAnalysis
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND retry_count < ?", AnalysisPending, maxRetries).
			Order("created_at asc").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "select pending analysis")
		}

		if err := tx.Model(&candidate).
			Where("id = ? AND status = ?", candidate.ID, AnalysisPending).
			Update("status", AnalysisProcessing).Error; err != nil {
			return errors.Wrap(err, "mark analysis processing")
		}

		candidate.Status = AnalysisProcessing
		leased = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// FailExhaustedPending implements C7 lease protocol step 2: any pending
// row whose retry_count already reached max_retries is marked failed
// rather than leased again.
func FailExhaustedPending(maxRetries int) error {
	return DB.Model(&ConversationAnalysis{}).
		Where("status = ? AND retry_count >= ?", AnalysisPending, maxRetries).
		Updates(map[string]any{
			"status":        AnalysisFailed,
			"error_message": "retry limit exhausted before lease",
		}).Error
}

// CompleteAnalysis stores a successful analysis result and marks it terminal.
func CompleteAnalysis(id, content string, data map[string]any, promptTokens, completionTokens int) error {
	now := time.Now()
	return DB.Model(&ConversationAnalysis{}).Where("id = ?", id).Updates(map[string]any{
		"status":            AnalysisCompleted,
		"analysis_content":  content,
		"analysis_data":     data,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"completed_at":      &now,
	}).Error
}

// RetryOrFailAnalysis implements C7 lease protocol step 7: on any
// failure, increment retry_count, record error_message, and revert to
// pending. It never flips the row to failed itself, even once
// retry_count reaches maxRetries: that terminal transition only happens
// on a later poll's FailExhaustedPending sweep (step 2), per spec.md
// §4.7 step 7 and scenario 6 ("retry_count=3 after three poll cycles,
// then status=failed ... on the next cycle"). maxRetries is accepted
// for call-site symmetry with FailExhaustedPending but isn't consulted
// here.
func RetryOrFailAnalysis(id string, maxRetries int, failureReason string) error {
	return DB.Model(&ConversationAnalysis{}).Where("id = ?", id).Updates(map[string]any{
		"status":        AnalysisPending,
		"retry_count":   gorm.Expr("retry_count + 1"),
		"error_message": failureReason,
	}).Error
}

// ReleaseLease reverts a processing row back to pending without
// incrementing retry_count, for shutdown-triggered cancellation
// (spec.md §5: "worker leases are released by transaction abort").
func ReleaseLease(id string) error {
	return DB.Model(&ConversationAnalysis{}).
		Where("id = ? AND status = ?", id, AnalysisProcessing).
		Update("status", AnalysisPending).Error
}

