package model

import (
	"time"

	"github.com/Laisky/errors/v2"
)

// QueryByHash implements C4's queryByHash executor: candidate parents for
// the conversation linker (C3), most recent first. When requireSystemHash
// is true, systemHash must match exactly (tier 1, exact match); when
// false, systemHash is ignored (tier 3, fallback by parent hash only).
func QueryByHash(domain, hash string, systemHash *string, requireSystemHash bool) ([]*Request, error) {
	if hash == "" {
		return nil, nil
	}
	q := DB.Where("domain = ? AND current_message_hash = ?", domain, hash)
	if requireSystemHash {
		if systemHash == nil {
			q = q.Where("system_hash IS NULL")
		} else {
			q = q.Where("system_hash = ?", *systemHash)
		}
	}

	var reqs []*Request
	// Tiebreak per spec.md §4.3: most recent timestamp first, then
	// lexicographically larger request_id.
	if err := q.Order("timestamp desc, request_id desc").Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "query by hash: domain=%s", domain)
	}
	return reqs, nil
}

// SubtaskCandidates implements C4's subtaskCandidates executor: prior
// Task-bearing requests on the same domain whose timestamp falls in
// [windowEndTimestamp-60s, windowEndTimestamp]. The caller matches the new
// request's first user message text against each candidate's tool input
// client-side, since the
// match is JSON-path-equivalent rather than a plain column comparison.
func SubtaskCandidates(domain string, windowEndTimestamp time.Time) ([]*Request, error) {
	windowStart := windowEndTimestamp.Add(-60 * time.Second)

	var reqs []*Request
	if err := DB.Where("domain = ? AND timestamp BETWEEN ? AND ?", domain, windowStart, windowEndTimestamp).
		Where("task_tool_invocation IS NOT NULL").
		Order("timestamp desc, request_id desc").
		Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "subtask candidates: domain=%s", domain)
	}

	filtered := reqs[:0]
	for _, r := range reqs {
		if len(r.TaskToolInvocation) > 0 {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// CompactCandidates returns prior requests on the same domain whose final
// assistant response might contain the compact-continuation summary,
// newest first, for C3 tier 2 matching.
func CompactCandidates(domain string, limit int) ([]*Request, error) {
	var reqs []*Request
	q := DB.Where("domain = ?", domain).Order("timestamp desc, request_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&reqs).Error; err != nil {
		return nil, errors.Wrapf(err, "compact candidates: domain=%s", domain)
	}
	return reqs, nil
}
