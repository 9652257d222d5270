package model

import (
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm/clause"
)

// StreamingChunk is one ordered SSE fragment of a Request's response (spec.md §3, §6).
type StreamingChunk struct {
	RequestID  string    `gorm:"column:request_id;primaryKey;type:uuid"`
	ChunkIndex int        `gorm:"column:chunk_index;primaryKey"`
	Timestamp  time.Time `gorm:"column:timestamp"`
	Data       string    `gorm:"column:data"`
	TokenCount int       `gorm:"column:token_count"`
}

// TableName pins the table name used in spec.md §6.
func (StreamingChunk) TableName() string { return "streaming_chunks" }

// InsertStreamingChunks bulk-inserts chunks for a request, idempotent on
// (request_id, chunk_index) per spec.md §3's key uniqueness.
func InsertStreamingChunks(chunks []*StreamingChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunks).Error; err != nil {
		return errors.Wrap(err, "insert streaming chunks")
	}
	return nil
}
