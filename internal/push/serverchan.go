package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/i474232898/rain-forecast/internal/httpx"
)

const (
	msgSent       = "发送成功"
	msgSendFailed = "发送失败"
	msgEmptyToken = "Token 不能为空"
)

// ServerChan posts to the ServerChan (Server酱) WeChat gateway.
type ServerChan struct {
	baseURL string
	exec    *httpx.Executor
}

func NewServerChan(client *http.Client) *ServerChan {
	return &ServerChan{
		baseURL: "https://sctapi.ftqq.com",
		exec:    httpx.New(client, httpx.PushPolicy, httpx.NewBreaker("serverchan")),
	}
}

// WithBaseURL overrides the gateway root, e.g. for tests.
func (s *ServerChan) WithBaseURL(u string) *ServerChan {
	s.baseURL = u
	return s
}

// WithExecutor replaces the retrying executor.
func (s *ServerChan) WithExecutor(exec *httpx.Executor) *ServerChan {
	s.exec = exec
	return s
}

func (s *ServerChan) Name() string {
	return "serverchan"
}

type serverChanResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts {title, desp} to {base}/{token}.send. Delivery succeeded iff the
// body reports code 0.
func (s *ServerChan) Send(ctx context.Context, token, title, body string) Result {
	if token == "" {
		return Result{Message: msgEmptyToken}
	}

	payload, err := json.Marshal(map[string]string{"title": title, "desp": body})
	if err != nil {
		return Result{Message: err.Error()}
	}
	endpoint := fmt.Sprintf("%s/%s.send", s.baseURL, url.PathEscape(token))

	resp, err := s.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Result{Message: err.Error()}
	}
	defer resp.Body.Close()

	var out serverChanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{Message: fmt.Sprintf("%s: status %d", msgSendFailed, resp.StatusCode)}
	}
	if out.Code == 0 {
		if out.Message == "" {
			out.Message = msgSent
		}
		return Result{Success: true, Message: out.Message}
	}
	if out.Message == "" {
		out.Message = msgSendFailed
	}
	return Result{Message: out.Message}
}
