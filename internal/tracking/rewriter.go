package tracking

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// Store 跟踪改写依赖的存储
type Store interface {
	domain.TrackingDomainRepository
	domain.LinkRepository
}

// Result 一次改写的结果
type Result struct {
	Raw           []byte
	TrackedLinks  int
	TrackedImages int
	actioned      bool
}

// Actioned 是否替换了链接、插入了像素或去掉了 notrack 标记
func (r *Result) Actioned() bool {
	return r.actioned || r.TrackedLinks > 0 || r.TrackedImages > 0
}

// Rewriter 为出站邮件插入点击跟踪链接和打开跟踪像素
type Rewriter struct {
	store      Store
	enabled    bool
	diagnostic bool
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewRewriter 创建改写器
func NewRewriter(store Store, cfg config.TrackingConfig, metrics *monitoring.Metrics, log *zap.Logger) *Rewriter {
	return &Rewriter{
		store:      store,
		enabled:    cfg.Enabled,
		diagnostic: cfg.Diagnostic,
		metrics:    metrics,
		log:        log.Named("tracking"),
	}
}

// Rewrite 改写邮件原文
//
// 邮件所属域名没有 DNS 已验证的跟踪域名时原样返回。改写失败时返回原文和零计数，
// 诊断模式下则直接返回错误。
func (r *Rewriter) Rewrite(ctx context.Context, server *domain.Server, msg *domain.Message) (*Result, error) {
	passthrough := &Result{Raw: msg.Raw}
	if !r.enabled || msg.DomainID == nil {
		return passthrough, nil
	}

	trackingDomain, err := r.store.FindVerifiedTrackingDomain(ctx, server.ID, *msg.DomainID)
	if errors.Is(err, domain.ErrTrackingDomainNotFound) {
		return passthrough, nil
	}
	if err != nil {
		return r.fallback(passthrough, msg, fmt.Errorf("find tracking domain: %w", err))
	}

	start := time.Now()
	p := &pass{
		ctx:     ctx,
		links:   r.store,
		server:  server,
		message: msg,
		domain:  trackingDomain,
	}
	raw, err := p.rewriteMessage(msg.Raw)
	if err != nil {
		return r.fallback(passthrough, msg, err)
	}

	r.metrics.RecordRewrite(p.trackedLinks, p.trackedImages, time.Since(start))
	return &Result{
		Raw:           raw,
		TrackedLinks:  p.trackedLinks,
		TrackedImages: p.trackedImages,
		actioned:      p.actioned,
	}, nil
}

func (r *Rewriter) fallback(passthrough *Result, msg *domain.Message, err error) (*Result, error) {
	if r.diagnostic {
		return nil, err
	}
	r.metrics.RecordRewriteFallback()
	r.log.Warn("tracking rewrite failed, using original message",
		zap.Int64("message_id", msg.ID),
		zap.Error(err))
	return passthrough, nil
}

// pass 一次改写过程中的计数状态
type pass struct {
	ctx     context.Context
	links   domain.LinkRepository
	server  *domain.Server
	message *domain.Message
	domain  *domain.TrackingDomain

	trackedLinks  int
	trackedImages int
	actioned      bool
	changed       bool
}

// rewriteMessage 改写整封邮件；没有任何改动时返回原文
func (p *pass) rewriteMessage(raw []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	// 顶层没有声明类型时不改写
	if !header.Has("Content-Type") {
		return raw, nil
	}

	newHeader, newBody, err := p.rewriteEntity(header, body, true)
	if err != nil {
		return nil, err
	}
	if !p.changed {
		return raw, nil
	}

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, newHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	out.Write(newBody)
	return out.Bytes(), nil
}

// rewriteEntity 返回实体改写后的头部和原始正文
//
// 文本叶子解码后改写，multipart 递归处理（嵌套层只进入 alternative / related），其余原样保留
func (p *pass) rewriteEntity(header textproto.Header, body []byte, top bool) (textproto.Header, []byte, error) {
	mediaType, params, err := contentType(header)
	if err != nil {
		return header, nil, err
	}

	switch {
	case mediaType == "text/plain" || mediaType == "text/html":
		if isAttachment(header) {
			return header, body, nil
		}
		return p.rewriteLeaf(header, body, mediaType, params)
	case strings.HasPrefix(mediaType, "multipart/"):
		if top || mediaType == "multipart/alternative" || mediaType == "multipart/related" {
			return p.rewriteMultipart(header, body, params["boundary"])
		}
	}
	return header, body, nil
}

// rewriteMultipart 逐个改写子部分并用原边界重新拼接
func (p *pass) rewriteMultipart(header textproto.Header, body []byte, boundary string) (textproto.Header, []byte, error) {
	if boundary == "" {
		return header, nil, errors.New("multipart entity without boundary")
	}

	var out bytes.Buffer
	mw := textproto.NewMultipartWriter(&out)
	if err := mw.SetBoundary(boundary); err != nil {
		return header, nil, fmt.Errorf("set boundary: %w", err)
	}

	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return header, nil, fmt.Errorf("read part: %w", err)
		}

		partBody, err := io.ReadAll(part)
		if err != nil {
			return header, nil, fmt.Errorf("read part body: %w", err)
		}

		partHeader, newBody, err := p.rewriteEntity(part.Header, partBody, false)
		if err != nil {
			return header, nil, err
		}

		w, err := mw.CreatePart(partHeader)
		if err != nil {
			return header, nil, fmt.Errorf("create part: %w", err)
		}
		if _, err := w.Write(newBody); err != nil {
			return header, nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return header, nil, err
	}
	return header, out.Bytes(), nil
}

// rewriteLeaf 改写文本叶子，有改动时以 UTF-8 quoted-printable 重新编码
func (p *pass) rewriteLeaf(header textproto.Header, body []byte, mediaType string, params map[string]string) (textproto.Header, []byte, error) {
	text, err := decodeBody(body, header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return header, nil, err
	}

	html := mediaType == "text/html"
	rewritten, err := p.rewriteText(text, html)
	if err != nil {
		return header, nil, err
	}
	if rewritten == text {
		return header, body, nil
	}
	p.changed = true

	encoded, err := encodeQuotedPrintable(rewritten)
	if err != nil {
		return header, nil, fmt.Errorf("encode body: %w", err)
	}

	h := message.Header{Header: header.Copy()}
	newParams := make(map[string]string, len(params)+1)
	for k, v := range params {
		newParams[k] = v
	}
	newParams["charset"] = "utf-8"
	h.SetContentType(mediaType, newParams)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return h.Header, encoded, nil
}

// contentType 解析 Content-Type，缺省为 text/plain
func contentType(header textproto.Header) (string, map[string]string, error) {
	if !header.Has("Content-Type") {
		return "text/plain", map[string]string{}, nil
	}
	h := message.Header{Header: header}
	mediaType, params, err := h.ContentType()
	if err != nil {
		return "", nil, fmt.Errorf("parse content type: %w", err)
	}
	return strings.ToLower(mediaType), params, nil
}

// isAttachment 以附件形式发送的文本不改写
func isAttachment(header textproto.Header) bool {
	h := message.Header{Header: header}
	disposition, _, err := h.ContentDisposition()
	return err == nil && strings.EqualFold(disposition, "attachment")
}
