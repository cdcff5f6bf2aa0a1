// Package workspace 管理任务共享的文件工作区。所有路径都以工作区根
// 目录为界，越界路径一律拒绝，绝不静默修正。
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Collab/internal/errors"
)

// Workspace 表示磁盘上的共享工作区。任务文件统一放在 root/tasks 之下。
type Workspace struct {
	root string
}

// New 创建工作区并确保根目录存在。
func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "工作区根目录不能为空")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "解析工作区根目录失败")
	}
	if err := os.MkdirAll(filepath.Join(abs, "tasks"), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建工作区目录失败")
	}
	return &Workspace{root: abs}, nil
}

// Root 返回工作区根目录的绝对路径。
func (w *Workspace) Root() string {
	return w.root
}

// Resolve 把相对路径解析为根目录之下的绝对路径。解析结果落在根目录
// 之外时返回 PATH_TRAVERSAL 错误。
func (w *Workspace) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", xerrors.New(xerrors.CodeValidation, "文件路径不能为空")
	}
	full := filepath.Join(w.root, "tasks", filepath.FromSlash(path))
	full = filepath.Clean(full)

	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.New(xerrors.CodePathTraversal, "路径越过工作区边界",
			xerrors.WithMetadata("path", path))
	}
	return full, nil
}

// Read 读取文件内容，文件不存在时返回 NOT_FOUND。
func (w *Workspace) Read(path string) (string, error) {
	full, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.New(xerrors.CodeNotFound, "文件不存在", xerrors.WithMetadata("path", path))
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取文件失败")
	}
	return string(content), nil
}

// Write 写入文件内容，必要时创建父目录，返回写入的字节数。
func (w *Workspace) Write(path, content string) (int, error) {
	full, err := w.Resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建父目录失败")
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文件失败")
	}
	return len(content), nil
}
