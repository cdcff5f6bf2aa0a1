package durable

import (
	"encoding/json"
	"time"

	"OpenMCP-Collab/internal/model"
)

// 写队列中流转的语句在这里统一构造，工具层不需要了解表结构，
// 也不需要了解具体驱动的占位符方言。语句会被 JSON 编码后进入队列，
// 因此参数只使用字符串与数字等可无损往返的类型。

// TimeLayout 是语句参数中时间戳的统一格式，MySQL 与 PostgreSQL 都能
// 直接解析。
const TimeLayout = "2006-01-02 15:04:05.000"

// FormatTime 将时间格式化为语句参数。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// UpdateTaskStatusStatement 生成更新任务状态的语句。updated_at 随之
// 前移，使拉取环路在下个周期将变更带回缓存。
func UpdateTaskStatusStatement(taskID string, status model.Status, at time.Time) Statement {
	return Statement{
		SQL:    `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		Params: []any{string(status), FormatTime(at), taskID},
	}
}

// TouchTaskStatement 生成仅推进任务 updated_at 的语句，用于文件写入等
// 修改了任务产出但不改变状态的操作。
func TouchTaskStatement(taskID string, at time.Time) Statement {
	return Statement{
		SQL:    `UPDATE tasks SET updated_at = ? WHERE id = ?`,
		Params: []any{FormatTime(at), taskID},
	}
}

// InsertLogEntryStatement 生成插入执行日志的语句。actionInput 以 JSON
// 文本存储。
func InsertLogEntryStatement(entry *model.LogEntry) Statement {
	input := "{}"
	if len(entry.ActionInput) > 0 {
		if encoded, err := json.Marshal(entry.ActionInput); err == nil {
			input = string(encoded)
		}
	}
	return Statement{
		SQL: `INSERT INTO execution_logs (id, task_id, agent_id, step, action, action_input, observation, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Params: []any{entry.ID, entry.TaskID, entry.AgentID, entry.Step, entry.Action, input, entry.Observation, FormatTime(entry.Timestamp)},
	}
}
