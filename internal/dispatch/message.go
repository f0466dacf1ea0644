package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/rain-forecast/internal/slots"
	"github.com/i474232898/rain-forecast/internal/weather"
)

const (
	msgFetchFailed = "获取天气失败"
	pushTimeLayout = "2006/1/2 15:04:05"
)

var dayLabels = []string{"今天", "明天", "后天"}

func dayLabel(i int) string {
	if i >= 0 && i < len(dayLabels) {
		return dayLabels[i]
	}
	return fmt.Sprintf("第%d天", i+1)
}

// selection is the list of day indexes a target reports, plus the label used
// when none of them is available.
type selection struct {
	indexes []int
	label   string
}

func selectDays(cfg slots.SlotConfig) selection {
	switch cfg.Target {
	case slots.TargetToday:
		return selection{indexes: []int{0}, label: dayLabels[0]}
	case slots.TargetTomorrow:
		return selection{indexes: []int{1}, label: dayLabels[1]}
	default:
		days := slots.ClampDays(cfg.Days, 3)
		idx := make([]int, days)
		for i := range idx {
			idx[i] = i
		}
		return selection{indexes: idx, label: "未来"}
	}
}

// fetchDays is how many days must be requested for the selection.
func (s selection) fetchDays() int {
	return s.indexes[len(s.indexes)-1] + 1
}

func missingDayMessage(label string) string {
	return fmt.Sprintf("缺少%s天气数据", label)
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func forecastLine(label string, d weather.Day, percent int) string {
	return fmt.Sprintf("%s：%s，%s°~%s°，降雨概率 %d%%", label, d.Text, formatTemp(d.TempMin), formatTemp(d.TempMax), percent)
}

func forecastTitle(city weather.City) string {
	return "【每日天气预报】" + city.Name
}

func forecastBody(city weather.City, lines []string, updateTime string, now time.Time) string {
	var b strings.Builder
	b.WriteString("天气预报\n\n")
	fmt.Fprintf(&b, "📍 城市：%s\n", city.Name)
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "数据更新时间：%s\n", updateTime)
	fmt.Fprintf(&b, "推送时间：%s\n", now.Format(pushTimeLayout))
	return b.String()
}

// AlertLevel grades a rain probability.
func AlertLevel(percent int) string {
	switch {
	case percent >= 80:
		return "🔴 高"
	case percent >= 60:
		return "🟠 中"
	default:
		return "🟡 低"
	}
}

// Suggestion is the advice line attached to an alert.
func Suggestion(percent int) string {
	switch {
	case percent >= 80:
		return "🔴 降雨可能性极高，请务必携带雨具，避免外出"
	case percent >= 60:
		return "🟠 降雨可能性较大，建议携带雨具"
	case percent >= 40:
		return "🟡 可能有雨，建议随身携带雨伞"
	default:
		return "✅ 降雨概率较低，可正常出行"
	}
}

func alertTitle(city weather.City, percent int) string {
	return fmt.Sprintf("【降雨预警】%s - %s预警", city.Name, AlertLevel(percent))
}

func alertBody(city weather.City, percent, threshold int, day weather.Day, now time.Time) string {
	text := day.Text
	if text == "" {
		text = "未知"
	}
	level := AlertLevel(percent)

	var b strings.Builder
	b.WriteString("预警详情\n\n")
	fmt.Fprintf(&b, "📍 城市：%s\n", city.Name)
	fmt.Fprintf(&b, "🌧️ 降雨概率：%d%%\n", percent)
	fmt.Fprintf(&b, "⚠️ 预警阈值：%d%%\n", threshold)
	fmt.Fprintf(&b, "%s 天气状况：%s\n", day.Condition.Emoji(), text)
	fmt.Fprintf(&b, "%s 风险等级\n\n", level)
	fmt.Fprintf(&b, "建议：%s\n\n", Suggestion(percent))
	b.WriteString("---\n")
	fmt.Fprintf(&b, "时间：%s\n\n", now.Format(pushTimeLayout))
	b.WriteString("请及时做好防雨准备！")
	return b.String()
}
