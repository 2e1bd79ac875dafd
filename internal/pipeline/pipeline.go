package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/inspection"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/tracking"
)

// Inspector 内容检查
type Inspector interface {
	Inspect(ctx context.Context, raw []byte, scope domain.MessageScope) *inspection.Result
}

// Rewriter 跟踪改写
type Rewriter interface {
	Rewrite(ctx context.Context, server *domain.Server, msg *domain.Message) (*tracking.Result, error)
}

// TaskSubmitter 执行单封邮件处理的协程池
type TaskSubmitter interface {
	Submit(ctx context.Context, task func()) error
}

// Report 单封邮件的处理结果
type Report struct {
	Description string
	Message     *domain.Message
	Inspection  *inspection.Result
	Tracking    *tracking.Result
	Err         error
}

// Job 提交给 Run 的一个原型
type Job struct {
	Prototype service.Prototype
	// Done 可选，处理结束后收到全部报告或创建错误
	Done chan<- Outcome
}

// Outcome 一个原型的处理结果
type Outcome struct {
	Reports []Report
	Err     error
}

// Pipeline 把原型创建出的邮件依次送入检查与跟踪改写，并保存最终内容
type Pipeline struct {
	store     domain.MessageStore
	inspector Inspector
	rewriter  Rewriter
	pool      TaskSubmitter
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// New 创建流水线；pool 为 nil 时在调用方协程内顺序处理
func New(store domain.MessageStore, inspector Inspector, rewriter Rewriter, pool TaskSubmitter, metrics *monitoring.Metrics, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		inspector: inspector,
		rewriter:  rewriter,
		pool:      pool,
		metrics:   metrics,
		log:       log.Named("pipeline"),
	}
}

// ProcessIncoming 处理入站原型
func (p *Pipeline) ProcessIncoming(ctx context.Context, proto *service.IncomingPrototype) ([]Report, error) {
	return p.Process(ctx, proto)
}

// ProcessOutgoing 处理出站原型
func (p *Pipeline) ProcessOutgoing(ctx context.Context, proto *service.OutgoingPrototype) ([]Report, error) {
	return p.Process(ctx, proto)
}

// Process 校验并创建邮件，然后为每封邮件并发执行检查与改写
//
// 原型无效或创建失败时返回错误；单封邮件的失败记录在对应 Report.Err 中
func (p *Pipeline) Process(ctx context.Context, proto service.Prototype) ([]Report, error) {
	targets, err := proto.Create(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		reports[i] = Report{Description: target.Description, Message: target.Message}

		report := &reports[i]
		task := func() {
			defer wg.Done()
			p.processMessage(ctx, proto.Server(), report)
		}

		wg.Add(1)
		if p.pool == nil {
			task()
			continue
		}
		if err := p.pool.Submit(ctx, task); err != nil {
			wg.Done()
			report.Err = fmt.Errorf("submit: %w", err)
			p.metrics.RecordPoolRejection()
		}
	}
	wg.Wait()
	return reports, nil
}

// Run 持续消费 jobs，直到通道关闭或 ctx 结束
func (p *Pipeline) Run(ctx context.Context, jobs <-chan Job, concurrency int) error {
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				reports, err := p.Process(ctx, job.Prototype)
				if err != nil {
					p.log.Warn("prototype rejected",
						zap.String("server_id", job.Prototype.Server().ID),
						zap.Error(err))
				}
				if job.Done != nil {
					job.Done <- Outcome{Reports: reports, Err: err}
				}
				return nil
			})
		}
	}
}

func (p *Pipeline) processMessage(ctx context.Context, server *domain.Server, report *Report) {
	msg := report.Message
	scope := string(msg.Scope)

	result := p.inspector.Inspect(ctx, msg.Raw, msg.Scope)
	report.Inspection = result
	msg.SpamScore = result.FilteredSpamScore
	msg.Threat = result.Threat
	msg.ThreatDetails = result.ThreatMessage
	msg.Inspected = true

	// 只改写出站邮件
	if msg.Scope == domain.ScopeOutgoing {
		rewritten, err := p.rewriter.Rewrite(ctx, server, msg)
		if err != nil {
			p.fail(report, fmt.Errorf("rewrite: %w", err))
			return
		}
		report.Tracking = rewritten
		msg.Raw = rewritten.Raw
		msg.TrackedLinks = rewritten.TrackedLinks
		msg.TrackedImages = rewritten.TrackedImages
		msg.Parsed = true
	}

	if err := p.store.SaveMessage(ctx, msg); err != nil {
		p.fail(report, fmt.Errorf("save message: %w", err))
		return
	}

	outcome := "ok"
	if msg.Threat {
		outcome = "threat"
	}
	p.metrics.RecordMessageProcessed(scope, outcome)
	p.log.Debug("message processed",
		zap.Int64("message_id", msg.ID),
		zap.String("scope", scope),
		zap.Float64("spam_score", msg.SpamScore),
		zap.Bool("threat", msg.Threat),
		zap.Int("tracked_links", msg.TrackedLinks))
}

func (p *Pipeline) fail(report *Report, err error) {
	report.Err = err
	p.metrics.RecordMessageProcessed(string(report.Message.Scope), "error")
	p.metrics.RecordError("process_error", "pipeline")
	if errors.Is(err, context.Canceled) {
		return
	}
	p.log.Error("message processing failed", zap.Int64("message_id", report.Message.ID), zap.Error(err))
}
