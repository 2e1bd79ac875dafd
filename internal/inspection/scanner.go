package inspection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"relaymail/backend/internal/config"
)

// errThrottled 在截止时间内拿不到连接许可
var errThrottled = errors.New("scanner connection throttled")

// halfCloser 支持半关闭写方向的连接
type halfCloser interface {
	CloseWrite() error
}

// scanner spamd 与 clamd 共用的请求/响应连接逻辑
type scanner struct {
	name    string
	cfg     config.ScannerConfig
	dialer  *net.Dialer
	limiter *ConnectionLimiter
}

func newScanner(name string, cfg config.ScannerConfig) *scanner {
	return &scanner{
		name:    name,
		cfg:     cfg,
		dialer:  &net.Dialer{},
		limiter: NewConnectionLimiter(cfg.MaxConns, cfg.Rate),
	}
}

// exchange 在截止时间内完成 连接 -> 写入 -> 半关闭 -> 读取全部响应
//
// 连接在返回前总会关闭
func (s *scanner) exchange(ctx context.Context, write func(w io.Writer) error) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errThrottled, err)
	}
	defer s.limiter.Release()

	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.name, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if err := write(conn); err != nil {
		return nil, fmt.Errorf("write to %s: %w", s.name, err)
	}
	if hc, ok := conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write: %w", err)
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", s.name, err)
	}
	return data, nil
}

// isTimeout 判断错误是否由截止时间或限流等待引起
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errThrottled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// outcome 用于指标标签
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
