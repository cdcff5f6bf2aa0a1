package model

import (
	"time"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNeedsHuman Status = "needs_human"
)

// Terminal 判断任务是否已经到达终态。终态任务不再保留在缓存中。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid 判断状态值是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress,
		StatusCompleted, StatusFailed, StatusNeedsHuman:
		return true
	}
	return false
}

// Task 描述一个由多个智能体协作完成的任务。持久化存储是任务的权威数据源，
// 缓存中只保留带 TTL 的副本。
type Task struct {
	ID              string    `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Description     string    `json:"description" db:"description"`
	Status          Status    `json:"status" db:"status"`
	AssignedAgentID string    `json:"assignedAgentId,omitempty" db:"assigned_agent_id"`
	Complexity      float64   `json:"complexity" db:"final_complexity"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// LogEntry 是任务执行日志中的一条记录。同一任务内 Step 单调递增，
// 跨任务之间不保证顺序。
type LogEntry struct {
	ID          string         `json:"id,omitempty"`
	TaskID      string         `json:"taskId"`
	AgentID     string         `json:"agentId"`
	Step        int            `json:"step"`
	Action      string         `json:"action"`
	ActionInput map[string]any `json:"actionInput,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
