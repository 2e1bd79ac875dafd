package inspection

import (
	"context"
	"encoding/binary"
	"io"
	"regexp"
	"strings"

	"relaymail/backend/internal/config"
)

var clamdVerdict = regexp.MustCompile(`\Astream:\s+(.*?)[\s\x00]`)

// ClamdClient 通过 zINSTREAM 命令查询 clamd
type ClamdClient struct {
	*scanner
}

// NewClamdClient 创建 clamd 客户端
func NewClamdClient(cfg config.ScannerConfig) *ClamdClient {
	return &ClamdClient{scanner: newScanner("clamav", cfg)}
}

// Scan 以单个数据块流式提交邮件，随后发送零长度块结束
func (c *ClamdClient) Scan(ctx context.Context, raw []byte) (VirusResult, error) {
	data, err := c.exchange(ctx, func(w io.Writer) error {
		if _, err := io.WriteString(w, "zINSTREAM\x00"); err != nil {
			return err
		}
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(raw)))
		if _, err := w.Write(size[:]); err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	})
	if err != nil {
		return VirusResult{}, err
	}
	return ParseClamdReply(data), nil
}

// ParseClamdReply 解析 clamd 的 "stream: <verdict>" 响应
func ParseClamdReply(data []byte) VirusResult {
	m := clamdVerdict.FindSubmatch(data)
	if m == nil {
		return VirusResult{Message: threatUnscannable}
	}

	verdict := string(m[1])
	if strings.EqualFold(verdict, "OK") {
		return VirusResult{Message: threatClean}
	}
	return VirusResult{Threat: true, Message: verdict}
}

// degradedVirusResult 扫描失败时的结果，不视为威胁
func degradedVirusResult(err error) VirusResult {
	if isTimeout(err) {
		return VirusResult{Message: threatTimeout}
	}
	return VirusResult{Message: threatErrorMessage}
}
