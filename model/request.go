package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RequestType classifies an inbound call per spec.md §4.5 step 2.
type RequestType string

const (
	RequestTypeInference       RequestType = "inference"
	RequestTypeQueryEvaluation RequestType = "query_evaluation"
	RequestTypeQuota           RequestType = "quota"
	RequestTypeOther           RequestType = "other"
)

// ToolInvocation records one `tool_use` block named "Task" extracted from
// a response, per spec.md §3 "task_tool_invocation".
type ToolInvocation struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Request is one row per client HTTP call that reaches the proxy (spec.md §3, §6).
type Request struct {
	RequestID string `gorm:"column:request_id;primaryKey;type:uuid"`

	Domain    string    `gorm:"column:domain;index;not null"`
	Timestamp time.Time `gorm:"column:timestamp;index;not null"`
	Method    string    `gorm:"column:method"`
	Path      string    `gorm:"column:path"`

	Headers      map[string]string `gorm:"column:headers;type:jsonb;serializer:json"`
	Body         map[string]any    `gorm:"column:body;type:jsonb;serializer:json"`
	ResponseBody map[string]any    `gorm:"column:response_body;type:jsonb;serializer:json"`

	ResponseStreaming bool `gorm:"column:response_streaming"`

	InputTokens             int            `gorm:"column:input_tokens"`
	OutputTokens            int            `gorm:"column:output_tokens"`
	TotalTokens             int            `gorm:"column:total_tokens"`
	CacheCreationInputTokens int           `gorm:"column:cache_creation_input_tokens"`
	CacheReadInputTokens    int            `gorm:"column:cache_read_input_tokens"`
	UsageData               map[string]any `gorm:"column:usage_data;type:jsonb;serializer:json"`

	FirstTokenMs *int64 `gorm:"column:first_token_ms"`
	DurationMs   int64  `gorm:"column:duration_ms"`
	Error        string `gorm:"column:error"`
	ToolCallCount int   `gorm:"column:tool_call_count"`

	CurrentMessageHash string  `gorm:"column:current_message_hash;type:char(64);index"`
	ParentMessageHash  *string `gorm:"column:parent_message_hash;type:char(64);index"`
	SystemHash         *string `gorm:"column:system_hash;type:char(64);index"`

	ConversationID *string `gorm:"column:conversation_id;type:uuid;index"`
	BranchID       string  `gorm:"column:branch_id;default:main"`
	MessageCount   int     `gorm:"column:message_count"`

	ParentRequestID     *string `gorm:"column:parent_request_id;type:uuid;index"`
	ParentTaskRequestID *string `gorm:"column:parent_task_request_id;type:uuid;index"`
	IsSubtask           bool    `gorm:"column:is_subtask"`

	TaskToolInvocation []ToolInvocation `gorm:"column:task_tool_invocation;type:jsonb;serializer:json"`

	AccountID   string      `gorm:"column:account_id"`
	Model       string      `gorm:"column:model"`
	RequestType RequestType `gorm:"column:request_type"`
	APIKeyHash  string      `gorm:"column:api_key_hash"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName pins the table name to the schema name used in spec.md §6.
func (Request) TableName() string { return "api_requests" }

// NewRequestID mints a fresh, server-assigned request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Validate enforces the structural invariants of spec.md §3: request_id
// is set and parent_request_id != request_id. Hash and message-count
// fields are not checked.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.ParentRequestID != nil && *r.ParentRequestID == r.RequestID {
		return errors.New("parent_request_id must not equal request_id")
	}
	return nil
}

// InsertRequest inserts a Request row, idempotent on request_id per spec.md §4.4:
// a row whose request_id already exists is left unchanged.
func InsertRequest(r *Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	// DO NOTHING on request_id conflict keeps the write idempotent across
	// retried deliveries/duplicated work in a multi-instance deployment,
	// per spec.md §1 Non-goals ("idempotent writes").
	result := DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(r)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			// A distinct unique index (parent_request_id, branch_id) was
			// violated, not request_id: surface it unwrapped so callers can
			// retry the branch-naming race (spec.md §9) instead of parsing
			// a wrapped message.
			return result.Error
		}
		return errors.Wrap(result.Error, "insert request")
	}
	return nil
}

// RequestByID fetches a single request, implementing C4's requestById executor.
func RequestByID(id string) (*Request, error) {
	var req Request
	if err := DB.First(&req, "request_id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "request by id: %s", id)
	}
	return &req, nil
}

// RequestsByConversation returns all requests in a conversation ordered by
// timestamp ascending, used by the analysis worker to build a transcript.
func RequestsByConversation(conversationID string) ([]*Request, error) {
	var reqs []*Request
	if err := DB.Where("conversation_id = ?", conversationID).
		Order("timestamp asc").Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "requests by conversation: %s", conversationID)
	}
	return reqs, nil
}

// ChildrenOfParent returns requests whose parent_request_id is the given id,
// ordered by timestamp ascending, used to resolve branch-naming races.
func ChildrenOfParent(parentRequestID string) ([]*Request, error) {
	var reqs []*Request
	if err := DB.Where("parent_request_id = ?", parentRequestID).
		Order("timestamp asc, request_id desc").Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "children of parent: %s", parentRequestID)
	}
	return reqs, nil
}
