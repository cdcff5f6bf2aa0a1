package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Collab/internal/auth"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/internal/gateway"
	"OpenMCP-Collab/internal/observability/metrics"
)

// Server 负责把网关调用面暴露为 HTTP 接口。
type Server struct {
	addr    string
	gateway *gateway.Gateway
	tokens  *auth.Manager
}

// NewServer 构造 API 服务实例。tokens 为 nil 时不做请求认证。
func NewServer(addr string, gw *gateway.Gateway, tokens *auth.Manager) *Server {
	return &Server{addr: addr, gateway: gw, tokens: tokens}
}

// routes 组装路由。API 路由走认证中间件，/healthz 例外：健康探针
// 只回答进程是否存活，探针方不持有令牌。
func (s *Server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/tools/", s.handleToolCall)
	api.HandleFunc("/api/v1/resources", s.handleResource)
	api.HandleFunc("/api/v1/logs/stream", s.handleLogStream)

	root := http.NewServeMux()
	root.HandleFunc("/healthz", s.handleHealth)
	root.Handle("/", auth.Middleware(s.tokens, api))
	return withMetrics(root)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleToolCall 执行一次工具调用。错误随信封返回，HTTP 状态恒为
// 200，调用方按 success 字段分支。
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	tool := strings.TrimPrefix(r.URL.Path, "/api/v1/tools/")
	if tool == "" || strings.Contains(tool, "/") {
		http.Error(w, "路径中缺少工具名", http.StatusBadRequest)
		return
	}

	req := map[string]any{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "请求体解析失败",
				"code":    string(xerrors.CodeValidation),
			})
			return
		}
	}

	result := s.gateway.Call(r.Context(), tool, req)
	success, _ := result["success"].(bool)
	metrics.ObserveToolCall(tool, success)
	writeJSON(w, http.StatusOK, result)
}

// handleResource 按 URI 读取只读资源。
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "缺少 uri 参数", http.StatusBadRequest)
		return
	}

	payload, err := s.gateway.ReadResource(r.Context(), uri)
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{
			"success": false,
			"error":   err.Error(),
			"code":    string(xerrors.CodeOf(err)),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(payload))
}

// handleLogStream 以 SSE 推送任务日志流，直到客户端断开。
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "缺少 taskId 参数", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	entries, closeSub, err := s.gateway.StreamLogs(r.Context(), taskID)
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{
			"success": false,
			"error":   err.Error(),
			"code":    string(xerrors.CodeOf(err)),
		})
		return
	}
	defer func() { _ = closeSub() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			encoded, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(encoded)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// handleHealth 返回服务自述信息，不触达存储。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Health())
}

// statusOf 把错误码翻译成 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodePathTraversal:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeLockConflict:
		return http.StatusConflict
	case xerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder 捕获响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withMetrics 记录每个请求的计数与时延。
func withMetrics(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, recorder.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
