package cache

import "fmt"

// 缓存键与频道的统一布局。所有组件都通过这里拼接键名，避免散落的
// 字符串常量彼此漂移。

// TaskKey 返回任务状态缓存键。
func TaskKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

// TaskFilesKey 返回任务触碰过的文件集合键。
func TaskFilesKey(taskID string) string {
	return fmt.Sprintf("task:%s:files", taskID)
}

// LockKey 返回文件锁键。锁的粒度是工作区内的单个路径。
func LockKey(path string) string {
	return fmt.Sprintf("lock:file:%s", path)
}

// LogsKey 返回任务执行日志列表键。
func LogsKey(taskID string) string {
	return fmt.Sprintf("logs:%s", taskID)
}

// CollaborationKey 返回任务协作成员集合键。
func CollaborationKey(taskID string) string {
	return fmt.Sprintf("collaboration:%s", taskID)
}

// LogStreamChannel 返回任务日志的实时广播频道。
func LogStreamChannel(taskID string) string {
	return fmt.Sprintf("logs:%s:stream", taskID)
}

// CollaborationEventsChannel 返回任务协作事件频道。
func CollaborationEventsChannel(taskID string) string {
	return fmt.Sprintf("collaboration:%s:events", taskID)
}

// LockEventsChannel 返回某个路径的锁事件频道。
func LockEventsChannel(path string) string {
	return fmt.Sprintf("locks:%s", path)
}

// FileUpdatesChannel 是全局的文件变更广播频道。
const FileUpdatesChannel = "file:updates"
