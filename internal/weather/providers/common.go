package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/i474232898/rain-forecast/internal/httpx"
	"github.com/i474232898/rain-forecast/internal/weather"
)

// getJSON runs a GET through exec and decodes a 2xx body into out. Any
// failure is reported as weather.ErrUnavailable.
func getJSON(ctx context.Context, exec *httpx.Executor, u string, header http.Header, out any) error {
	resp, err := exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", weather.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", weather.ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", weather.ErrUnavailable, err)
	}
	return nil
}

// parsePercent reads the leading integer of s, so "70", " 70 " and "70.5"
// all give 70. Anything else gives 0. The result is clamped to [0, 100].
func parsePercent(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return weather.ClampProbability(n)
}

// parseNumber parses a numeric string, returning 0 when it is not a number.
func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func clampDays(days, max int) int {
	if days <= 0 {
		return 1
	}
	if days > max {
		return max
	}
	return days
}

// conditionText is the short Chinese label for a condition, used when the
// upstream does not return Chinese text itself.
func conditionText(c weather.Condition) string {
	switch c {
	case weather.ConditionClear:
		return "晴"
	case weather.ConditionCloudy:
		return "多云"
	case weather.ConditionRain:
		return "小雨"
	case weather.ConditionSnow:
		return "雪"
	case weather.ConditionStorm:
		return "雷阵雨"
	case weather.ConditionMist:
		return "雾"
	default:
		return "未知"
	}
}
