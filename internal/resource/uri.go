// Package resource 提供外部可寻址的只读资源：任务状态、任务文件集、
// 工作区文件内容与执行日志。URI 解析为带标签的变体，避免在各处散落
// 字符串前缀判断。
package resource

import (
	"strings"

	xerrors "OpenMCP-Collab/internal/errors"
)

// Kind 标识资源 URI 所属的类别。
type Kind int

const (
	KindTask Kind = iota
	KindWorkspace
	KindLog
)

// URI 是解析后的资源地址。
type URI struct {
	Kind   Kind
	TaskID string
	// Field 仅对 tasks:// 有效，取值 state 或 files。
	Field string
	// Path 仅对 workspace:// 有效，是任务工作区内的相对路径。
	Path string
	// Stream 仅对 logs:// 有效，表示订阅描述符而不是历史日志。
	Stream bool
}

// Parse 解析资源 URI。支持的形式：
//
//	tasks://{taskId}/state
//	tasks://{taskId}/files
//	workspace://{taskId}/{path}
//	logs://{taskId}
//	logs://{taskId}/stream
func Parse(raw string) (URI, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found || rest == "" {
		return URI{}, xerrors.New(xerrors.CodeValidation, "非法的资源 URI: "+raw)
	}

	switch scheme {
	case "tasks":
		taskID, field, ok := strings.Cut(rest, "/")
		if !ok || taskID == "" {
			return URI{}, xerrors.New(xerrors.CodeValidation, "tasks URI 缺少字段: "+raw)
		}
		if field != "state" && field != "files" {
			return URI{}, xerrors.New(xerrors.CodeValidation, "未知的任务资源字段: "+field)
		}
		return URI{Kind: KindTask, TaskID: taskID, Field: field}, nil

	case "workspace":
		taskID, path, ok := strings.Cut(rest, "/")
		if !ok || taskID == "" || path == "" {
			return URI{}, xerrors.New(xerrors.CodeValidation, "workspace URI 缺少路径: "+raw)
		}
		return URI{Kind: KindWorkspace, TaskID: taskID, Path: path}, nil

	case "logs":
		taskID, suffix, hasSuffix := strings.Cut(rest, "/")
		if taskID == "" {
			return URI{}, xerrors.New(xerrors.CodeValidation, "logs URI 缺少任务 ID: "+raw)
		}
		if !hasSuffix {
			return URI{Kind: KindLog, TaskID: taskID}, nil
		}
		if suffix != "stream" {
			return URI{}, xerrors.New(xerrors.CodeValidation, "未知的日志资源形式: "+raw)
		}
		return URI{Kind: KindLog, TaskID: taskID, Stream: true}, nil

	default:
		return URI{}, xerrors.New(xerrors.CodeValidation, "未知的资源 scheme: "+scheme)
	}
}
