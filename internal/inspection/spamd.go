package inspection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
)

var (
	reportSeparator = regexp.MustCompile(`(?m)^---.*\r?\n`)
	reportLineBreak = regexp.MustCompile(`\r?\n`)
	reportRule      = regexp.MustCompile(`^([\- ]?[\d.]+)\s+(\w+)\s+(.*)`)
)

// errOrphanContinuation 规则表的第一行不是规则
var errOrphanContinuation = errors.New("spam report continuation line without a rule")

// SpamdClient 通过 SPAMC/1.2 REPORT 命令查询 spamd
type SpamdClient struct {
	*scanner
}

// NewSpamdClient 创建 spamd 客户端
func NewSpamdClient(cfg config.ScannerConfig) *SpamdClient {
	return &SpamdClient{scanner: newScanner("spamd", cfg)}
}

// Scan 提交原始邮件并解析规则表
func (c *SpamdClient) Scan(ctx context.Context, raw []byte) (SpamResult, error) {
	data, err := c.exchange(ctx, func(w io.Writer) error {
		header := fmt.Sprintf("REPORT SPAMC/1.2\r\nContent-length: %d\r\n\r\n", len(raw))
		if _, err := io.WriteString(w, header); err != nil {
			return err
		}
		_, err := w.Write(raw)
		return err
	})
	if err != nil {
		return SpamResult{}, err
	}
	return ParseSpamReport(data)
}

// ParseSpamReport 解析 spamd REPORT 响应
//
// 规则表取最后一条 "---" 分隔线之后的内容。以分数开头的行是一条规则，
// 其余非空行追加到上一条规则的描述中。得分为全部规则之和，保留一位小数。
func ParseSpamReport(data []byte) (SpamResult, error) {
	text := string(data)
	if seps := reportSeparator.FindAllStringIndex(text, -1); len(seps) > 0 {
		text = text[seps[len(seps)-1][1]:]
	}

	var result SpamResult
	total := 0.0
	for _, line := range reportLineBreak.Split(text, -1) {
		if m := reportRule.FindStringSubmatch(line); m != nil {
			score, _ := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
			total += score
			result.Checks = append(result.Checks, domain.SpamCheck{
				Code:        m[2],
				Score:       score,
				Description: m[3],
			})
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(result.Checks) == 0 {
			return SpamResult{}, errOrphanContinuation
		}
		last := &result.Checks[len(result.Checks)-1]
		last.Description = strings.TrimSpace(last.Description + " " + line)
	}

	result.Score = round(total, 1)
	return result, nil
}

// degradedSpamResult 扫描失败时的单条检查结果
func degradedSpamResult(err error) SpamResult {
	if isTimeout(err) {
		return SpamResult{Checks: []domain.SpamCheck{{Code: CheckTimeout, Description: spamTimeoutMessage}}}
	}
	return SpamResult{Checks: []domain.SpamCheck{{Code: CheckError, Description: spamErrorMessage}}}
}
