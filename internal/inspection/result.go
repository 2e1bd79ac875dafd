package inspection

import (
	"math"

	"relaymail/backend/internal/domain"
)

// 降级时写入的检查代码与描述
const (
	CheckTimeout = "TIMEOUT"
	CheckError   = "ERROR"

	spamTimeoutMessage = "Timed out when scanning for spam"
	spamErrorMessage   = "Error when scanning for spam"

	threatClean        = "No threats found"
	threatUnscannable  = "Could not scan message"
	threatTimeout      = "Timed out scanning for threats"
	threatErrorMessage = "Error when scanning for threats"
)

// SpamResult spamd 扫描结果
type SpamResult struct {
	Score  float64
	Checks []domain.SpamCheck
}

// VirusResult clamd 扫描结果
type VirusResult struct {
	Threat  bool
	Message string
}

// Result 一次内容检查的完整结果
type Result struct {
	Scope              domain.MessageScope
	SpamScore          float64
	SpamChecks         []domain.SpamCheck
	FilteredSpamScore  float64
	FilteredSpamChecks []domain.SpamCheck
	Threat             bool
	ThreatMessage      string
}

// newResult 合并两个扫描结果并按方向过滤规则
func newResult(scope domain.MessageScope, spam SpamResult, virus VirusResult) *Result {
	filtered := FilterChecks(scope, spam.Checks)
	total := 0.0
	for _, check := range filtered {
		total += check.Score
	}
	return &Result{
		Scope:              scope,
		SpamScore:          spam.Score,
		SpamChecks:         spam.Checks,
		FilteredSpamScore:  round(total, 2),
		FilteredSpamChecks: filtered,
		Threat:             virus.Threat,
		ThreatMessage:      virus.Message,
	}
}

// round 四舍五入到 places 位小数
func round(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}
