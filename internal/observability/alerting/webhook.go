package alerting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender 把告警内容 POST 到配置的回调地址。
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender 创建回调发送器。timeout 非正时使用五秒。
func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send 实现 WebhookSender。
func (s *HTTPSender) Send(ctx context.Context, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("告警回调返回 %d", resp.StatusCode)
	}
	return nil
}

var _ WebhookSender = (*HTTPSender)(nil)
