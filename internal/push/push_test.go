package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/rain-forecast/internal/httpx"
)

func fastExec(srv *httptest.Server) *httpx.Executor {
	return httpx.New(srv.Client(), httpx.Policy{MaxRetries: 2, Base: time.Millisecond, Linear: true}, nil)
}

func TestServerChanSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/SCT123.send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":0,"message":"","data":{}}`))
	}))
	defer srv.Close()

	sc := NewServerChan(srv.Client()).WithBaseURL(srv.URL).WithExecutor(fastExec(srv))
	res := sc.Send(context.Background(), "SCT123", "title", "body")

	assert.True(t, res.Success)
	assert.Equal(t, msgSent, res.Message)
	assert.Equal(t, map[string]string{"title": "title", "desp": "body"}, got)
}

func TestServerChanSurfacesGatewayMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":40001,"message":"bad pushkey"}`))
	}))
	defer srv.Close()

	sc := NewServerChan(srv.Client()).WithBaseURL(srv.URL).WithExecutor(fastExec(srv))
	res := sc.Send(context.Background(), "SCT123", "t", "b")

	assert.False(t, res.Success)
	assert.Equal(t, "bad pushkey", res.Message)
}

func TestServerChanEmptyToken(t *testing.T) {
	res := NewServerChan(http.DefaultClient).Send(context.Background(), "", "t", "b")
	assert.False(t, res.Success)
	assert.Equal(t, msgEmptyToken, res.Message)
}

func TestServerChanExhaustedRetriesIsFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sc := NewServerChan(srv.Client()).WithBaseURL(srv.URL).WithExecutor(fastExec(srv))
	res := sc.Send(context.Background(), "SCT123", "t", "b")

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, httpx.ErrExhausted.Error())
	assert.Equal(t, int32(3), hits.Load())
}

func TestServerChanUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	sc := NewServerChan(srv.Client()).WithBaseURL(srv.URL).WithExecutor(fastExec(srv))
	res := sc.Send(context.Background(), "SCT123", "t", "b")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "502")
}

func TestTelegramSend(t *testing.T) {
	var chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		chatID = r.FormValue("chat_id")
		text = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram("TOKEN", srv.Client(), bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	res := tg.Send(context.Background(), "42", "【每日天气预报】北京", "hello")
	assert.True(t, res.Success)
	assert.Equal(t, "42", chatID)
	assert.Equal(t, "【每日天气预报】北京\n\nhello", text)
}

func TestTelegramRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		text = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegramWithExecutor("TOKEN", fastExec(srv), time.Second, bot.WithServerURL(srv.URL))
	require.NoError(t, err)

	res := tg.Send(context.Background(), "42", "t", "b")
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "t\n\nb", text, "retried request carries the full body")
}

func TestTelegramRequiresToken(t *testing.T) {
	_, err := NewTelegram("", nil)
	require.Error(t, err)
}

type countingPusher struct{ calls atomic.Int32 }

func (c *countingPusher) Name() string { return "counting" }

func (c *countingPusher) Send(context.Context, string, string, string) Result {
	c.calls.Add(1)
	return Result{Success: true}
}

func TestRateLimitedPusherHonoursCancellation(t *testing.T) {
	inner := &countingPusher{}
	p := NewRateLimitedPusher(inner, 0.001, 1)

	assert.True(t, p.Send(context.Background(), "c", "t", "b").Success)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Send(ctx, "c", "t", "b")
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, "counting", p.Name())
}
