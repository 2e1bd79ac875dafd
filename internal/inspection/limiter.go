package inspection

import (
	"context"

	"golang.org/x/time/rate"
)

// ConnectionLimiter 扫描服务连接限流器
//
// 同时限制并发连接数和每秒新建连接数；等待受 ctx 截止时间约束
type ConnectionLimiter struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，<= 0 表示不限制
//   - perSecond: 每秒最大新建连接数，<= 0 表示不限制
func NewConnectionLimiter(maxConns int, perSecond float64) *ConnectionLimiter {
	l := &ConnectionLimiter{
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if maxConns > 0 {
		l.slots = make(chan struct{}, maxConns)
	}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

// Acquire 获取连接许可，成功后必须调用 Release
func (l *ConnectionLimiter) Acquire(ctx context.Context) error {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := l.limiter.Wait(ctx); err != nil {
		l.Release()
		return err
	}
	return nil
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	return len(l.slots)
}
