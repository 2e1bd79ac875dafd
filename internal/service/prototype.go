package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
)

// 构建原型时的校验失败代码
const (
	ErrCodeNoRoutesFound              = "NoRoutesFound"
	ErrCodeNoRecipients               = "NoRecipients"
	ErrCodeFromAddressMissing         = "FromAddressMissing"
	ErrCodeSubjectMissing             = "SubjectMissing"
	ErrCodeUnauthenticatedFromAddress = "UnauthenticatedFromAddress"
)

const (
	defaultAttachmentType = "application/octet-stream"
	messageTokenLength    = 12
)

// Attachment 原型附件
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Base64      bool   `json:"base64"`
}

// PrototypeFields 构建邮件所需的结构化字段
type PrototypeFields struct {
	To          string       `json:"to"` // 出站时可用逗号分隔多个收件人
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	PlainBody   string       `json:"plain_body"`
	Attachments []Attachment `json:"attachments"`
}

// TargetMessage 原型为某个投递目标创建的邮件
type TargetMessage struct {
	Description string
	Message     *domain.Message
}

// Prototype 入站与出站原型的公共行为
type Prototype interface {
	Scope() domain.MessageScope
	Server() *domain.Server
	Valid(ctx context.Context) bool
	Errors() []string
	Create(ctx context.Context) ([]TargetMessage, error)
	CreateMessages(ctx context.Context) (map[string]domain.CreatedMessage, error)
}

// PrototypeStore 原型构建依赖的存储
type PrototypeStore interface {
	domain.MessageStore
	domain.EndpointRepository
	domain.RouteRepository
	domain.DomainRepository
}

// PrototypeService 根据结构化输入构建入站/出站邮件
type PrototypeService struct {
	routes     *RouteService
	store      PrototypeStore
	returnPath string
	now        func() time.Time
	log        *zap.Logger
}

// NewPrototypeService 创建原型服务
func NewPrototypeService(routes *RouteService, store PrototypeStore, dns config.DNSConfig, log *zap.Logger) *PrototypeService {
	return &PrototypeService{
		routes:     routes,
		store:      store,
		returnPath: dns.ReturnPath,
		now:        time.Now,
		log:        log.Named("prototype"),
	}
}

// NewIncoming 创建入站原型
func (s *PrototypeService) NewIncoming(server *domain.Server, ip, sourceType string, fields PrototypeFields) *IncomingPrototype {
	return &IncomingPrototype{base: s.newBase(server, ip, sourceType, fields)}
}

// NewOutgoing 创建出站原型
func (s *PrototypeService) NewOutgoing(server *domain.Server, ip, sourceType string, fields PrototypeFields) *OutgoingPrototype {
	return &OutgoingPrototype{base: s.newBase(server, ip, sourceType, fields)}
}

func (s *PrototypeService) newBase(server *domain.Server, ip, sourceType string, fields PrototypeFields) base {
	return base{
		svc:        s,
		server:     server,
		ip:         ip,
		sourceType: sourceType,
		fields:     fields,
	}
}

// base 两类原型共享的字段与 MIME 合成
type base struct {
	svc        *PrototypeService
	server     *domain.Server
	ip         string
	sourceType string
	fields     PrototypeFields
	violations []string

	raw       []byte
	messageID string
}

// Server 返回所属服务器
func (b *base) Server() *domain.Server {
	return b.server
}

// Errors 返回最近一次校验的失败代码
func (b *base) Errors() []string {
	return b.violations
}

// FromAddress 返回去掉显示名装饰后的发件地址
func (b *base) FromAddress() string {
	return StripAddress(b.fields.From)
}

// StripAddress 去掉 "Name <addr>" 形式的装饰
func StripAddress(value string) string {
	if i := strings.LastIndex(value, "<"); i >= 0 {
		value = value[i+1:]
	}
	if i := strings.Index(value, ">"); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

// Attachments 返回补全类型并解码后的附件
func (b *base) Attachments() ([]Attachment, error) {
	result := make([]Attachment, 0, len(b.fields.Attachments))
	for _, a := range b.fields.Attachments {
		if a.ContentType == "" {
			a.ContentType = defaultAttachmentType
		}
		if a.Base64 {
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return nil, fmt.Errorf("decode attachment %q: %w", a.Name, err)
			}
			a.Data = string(decoded)
			a.Base64 = false
		}
		result = append(result, a)
	}
	return result, nil
}

func (b *base) commonChecks() []string {
	var errs []string
	if strings.TrimSpace(b.fields.From) == "" {
		errs = append(errs, ErrCodeFromAddressMissing)
	}
	if strings.TrimSpace(b.fields.Subject) == "" {
		errs = append(errs, ErrCodeSubjectMissing)
	}
	return errs
}

func (b *base) invalid() error {
	verr := &domain.ValidationError{}
	for _, code := range b.violations {
		verr.Add("", code)
	}
	return verr
}

// RawMessage 合成一次原始 MIME 内容，之后复用
func (b *base) RawMessage() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}

	attachments, err := b.Attachments()
	if err != nil {
		return nil, err
	}

	now := b.svc.now().UTC()
	b.messageID = uuid.New().String() + "@" + b.svc.returnPath

	var h mail.Header
	h.SetDate(now)
	h.Set("Message-Id", "<"+b.messageID+">")
	h.Set("To", b.fields.To)
	h.Set("From", b.fields.From)
	h.SetSubject(b.fields.Subject)
	h.Set("Received", fmt.Sprintf("from %s (%s [%s]) by relaymail with HTTP; %s",
		b.sourceType, b.ip, b.ip, now.Format(time.RFC1123Z)))

	var buf bytes.Buffer
	if len(attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message writer: %w", err)
		}
		if _, err := io.WriteString(w, b.fields.PlainBody); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		b.raw = buf.Bytes()
		return b.raw, nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, b.fields.PlainBody); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	for _, a := range attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(a.ContentType, nil)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(a.Name)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(aw, a.Data); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	b.raw = buf.Bytes()
	return b.raw, nil
}

// newMessage 构建一封共享原始内容的新邮件
func (b *base) newMessage(scope domain.MessageScope, rcptTo string) *domain.Message {
	return &domain.Message{
		Token:     domain.GenerateToken(messageTokenLength),
		ServerID:  b.server.ID,
		Scope:     scope,
		RcptTo:    rcptTo,
		MailFrom:  b.FromAddress(),
		Subject:   b.fields.Subject,
		MessageID: b.messageID,
		Raw:       b.raw,
		Timestamp: b.svc.now().UTC(),
	}
}

func results(targets []TargetMessage) map[string]domain.CreatedMessage {
	out := make(map[string]domain.CreatedMessage, len(targets))
	for _, t := range targets {
		if _, exists := out[t.Description]; exists {
			continue
		}
		out[t.Description] = domain.CreatedMessage{ID: t.Message.ID, Token: t.Message.Token}
	}
	return out
}

// IncomingPrototype 通过 HTTP 等途径注入、按路由投递的入站邮件
type IncomingPrototype struct {
	base
	route    *domain.Route
	resolved bool
}

// Scope 入站
func (p *IncomingPrototype) Scope() domain.MessageScope {
	return domain.ScopeIncoming
}

// Route 返回收件地址解析到的路由，未找到时为 nil
func (p *IncomingPrototype) Route(ctx context.Context) (*domain.Route, error) {
	if p.resolved {
		return p.route, nil
	}
	if strings.TrimSpace(p.fields.To) == "" {
		p.resolved = true
		return nil, nil
	}

	route, err := p.svc.routes.Resolve(ctx, p.server.ID, p.fields.To)
	if err != nil && !errors.Is(err, domain.ErrRouteNotFound) {
		return nil, err
	}
	p.route, p.resolved = route, true
	return p.route, nil
}

// Validate 运行全部校验并返回失败代码
func (p *IncomingPrototype) Validate(ctx context.Context) ([]string, error) {
	var errs []string
	route, err := p.Route(ctx)
	if err != nil {
		return nil, err
	}
	if route == nil {
		errs = append(errs, ErrCodeNoRoutesFound)
	}
	p.violations = append(errs, p.commonChecks()...)
	return p.violations, nil
}

// Valid 校验通过时返回 true
func (p *IncomingPrototype) Valid(ctx context.Context) bool {
	errs, err := p.Validate(ctx)
	return err == nil && len(errs) == 0
}

// Create 为路由的主端点及每个附加端点各创建一封邮件
//
// 邮件库版本低于 18 时不写入端点绑定，也不为附加端点建邮件。
func (p *IncomingPrototype) Create(ctx context.Context) ([]TargetMessage, error) {
	errs, err := p.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, p.invalid()
	}
	if _, err := p.RawMessage(); err != nil {
		return nil, err
	}

	version, err := p.svc.store.SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("query schema version: %w", err)
	}
	bind := p.route.Mode == domain.RouteModeEndpoint && version >= domain.EndpointBindingSchemaVersion

	primary := p.build()
	if bind {
		primary.EndpointKind, primary.EndpointID = p.route.EndpointKind, p.route.EndpointID
	}
	if err := p.svc.store.CreateMessage(ctx, primary); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	targets := []TargetMessage{{Description: p.route.Description(), Message: primary}}

	if !bind {
		return targets, nil
	}

	additional, err := p.svc.store.ListAdditionalEndpoints(ctx, p.route.ID)
	if err != nil {
		return targets, fmt.Errorf("list additional endpoints: %w", err)
	}
	for _, a := range additional {
		endpoint, err := p.svc.store.FindEndpoint(ctx, a.EndpointKind, a.EndpointID)
		if errors.Is(err, domain.ErrEndpointNotFound) {
			continue
		}
		if err != nil {
			return targets, fmt.Errorf("load additional endpoint: %w", err)
		}

		message := p.build()
		message.EndpointKind, message.EndpointID = endpoint.Kind, endpoint.ID
		if err := p.svc.store.CreateMessage(ctx, message); err != nil {
			return targets, fmt.Errorf("create message: %w", err)
		}
		targets = append(targets, TargetMessage{Description: endpoint.Description(), Message: message})
	}

	p.svc.log.Debug("incoming messages created",
		zap.String("server_id", p.server.ID),
		zap.String("route", p.route.Description()),
		zap.Int("count", len(targets)),
	)
	return targets, nil
}

func (p *IncomingPrototype) build() *domain.Message {
	message := p.newMessage(domain.ScopeIncoming, p.fields.To)
	message.DomainID = p.route.DomainID
	routeID := p.route.ID
	message.RouteID = &routeID
	return message
}

// CreateMessages 创建邮件并返回 描述 -> {id, token}
func (p *IncomingPrototype) CreateMessages(ctx context.Context) (map[string]domain.CreatedMessage, error) {
	targets, err := p.Create(ctx)
	if err != nil {
		return nil, err
	}
	return results(targets), nil
}

// OutgoingPrototype 由服务器自身发出的邮件
type OutgoingPrototype struct {
	base
	sender   *domain.Domain
	resolved bool
}

// Scope 出站
func (p *OutgoingPrototype) Scope() domain.MessageScope {
	return domain.ScopeOutgoing
}

// Recipients 返回显式收件人列表
func (p *OutgoingPrototype) Recipients() []string {
	var rcpts []string
	for _, part := range strings.Split(p.fields.To, ",") {
		if addr := StripAddress(part); addr != "" {
			rcpts = append(rcpts, addr)
		}
	}
	return rcpts
}

// SenderDomain 返回发件地址所属且归属本服务器的域名
func (p *OutgoingPrototype) SenderDomain(ctx context.Context) (*domain.Domain, error) {
	if p.resolved {
		return p.sender, nil
	}
	_, name, ok := strings.Cut(p.FromAddress(), "@")
	if !ok || name == "" {
		p.resolved = true
		return nil, nil
	}

	d, err := p.svc.store.FindDomainByName(ctx, name)
	if err != nil && !errors.Is(err, domain.ErrDomainNotFound) {
		return nil, err
	}
	if d != nil && !d.BelongsTo(p.server) {
		d = nil
	}
	p.sender, p.resolved = d, true
	return p.sender, nil
}

// Validate 运行全部校验并返回失败代码
func (p *OutgoingPrototype) Validate(ctx context.Context) ([]string, error) {
	var errs []string
	if len(p.Recipients()) == 0 {
		errs = append(errs, ErrCodeNoRecipients)
	}
	errs = append(errs, p.commonChecks()...)

	if strings.TrimSpace(p.fields.From) != "" {
		sender, err := p.SenderDomain(ctx)
		if err != nil {
			return nil, err
		}
		if sender == nil {
			errs = append(errs, ErrCodeUnauthenticatedFromAddress)
		}
	}
	p.violations = errs
	return errs, nil
}

// Valid 校验通过时返回 true
func (p *OutgoingPrototype) Valid(ctx context.Context) bool {
	errs, err := p.Validate(ctx)
	return err == nil && len(errs) == 0
}

// CreateMessage 为单个收件人创建出站邮件
func (p *OutgoingPrototype) CreateMessage(ctx context.Context, rcpt string) (*domain.CreatedMessage, error) {
	message, err := p.create(ctx, rcpt)
	if err != nil {
		return nil, err
	}
	return &domain.CreatedMessage{ID: message.ID, Token: message.Token}, nil
}

func (p *OutgoingPrototype) create(ctx context.Context, rcpt string) (*domain.Message, error) {
	errs, err := p.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, p.invalid()
	}
	if _, err := p.RawMessage(); err != nil {
		return nil, err
	}

	message := p.newMessage(domain.ScopeOutgoing, rcpt)
	domainID := p.sender.ID
	message.DomainID = &domainID
	if err := p.svc.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return message, nil
}

// Create 为每个收件人各创建一封邮件
func (p *OutgoingPrototype) Create(ctx context.Context) ([]TargetMessage, error) {
	errs, err := p.Validate(ctx)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, p.invalid()
	}

	var targets []TargetMessage
	for _, rcpt := range p.Recipients() {
		message, err := p.create(ctx, rcpt)
		if err != nil {
			return targets, err
		}
		targets = append(targets, TargetMessage{Description: rcpt, Message: message})
	}
	return targets, nil
}

// CreateMessages 创建邮件并返回 收件人 -> {id, token}
func (p *OutgoingPrototype) CreateMessages(ctx context.Context) (map[string]domain.CreatedMessage, error) {
	targets, err := p.Create(ctx)
	if err != nil {
		return nil, err
	}
	return results(targets), nil
}
