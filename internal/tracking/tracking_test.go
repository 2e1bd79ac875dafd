package tracking

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage/memory"
)

var trackedLink = regexp.MustCompile(`https://click\.example\.com/srvtok/([0-9a-f\-]{36})`)

type trackingFixture struct {
	ctx    context.Context
	store  *memory.Store
	server *domain.Server
}

func newTrackingFixture(t *testing.T) *trackingFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	server := &domain.Server{ID: "srv-1", Permalink: "main", Token: "srvtok"}
	require.NoError(t, store.SaveServer(ctx, server))
	require.NoError(t, store.SaveTrackingDomain(ctx, &domain.TrackingDomain{
		ServerID:             server.ID,
		DomainID:             "dom-1",
		Name:                 "click",
		FullName:             "click.example.com",
		DNSStatus:            domain.DNSStatusOK,
		TrackClicks:          true,
		TrackLoads:           true,
		UseSSL:               true,
		ExcludedClickDomains: "skip.example.com\n",
	}))
	return &trackingFixture{ctx: ctx, store: store, server: server}
}

// message 保存一封绑定到 dom-1 的出站邮件
func (f *trackingFixture) message(t *testing.T, raw string) *domain.Message {
	t.Helper()
	domainID := "dom-1"
	msg := &domain.Message{
		ServerID: f.server.ID,
		Token:    "msgtok",
		Scope:    domain.ScopeOutgoing,
		DomainID: &domainID,
		Raw:      []byte(raw),
	}
	require.NoError(t, f.store.CreateMessage(f.ctx, msg))
	return msg
}

func (f *trackingFixture) rewriter(cfg config.TrackingConfig) *Rewriter {
	return NewRewriter(f.store, cfg, monitoring.NewMetrics(), zap.NewNop())
}

// body 返回单部分邮件解码后的正文
func body(t *testing.T, raw []byte) string {
	t.Helper()
	entity, err := message.Read(bytes.NewReader(raw))
	require.NoError(t, err)
	data, err := io.ReadAll(entity.Body)
	require.NoError(t, err)
	return string(data)
}

func TestRewriter_HTML(t *testing.T) {
	f := newTrackingFixture(t)
	msg := f.message(t, "Content-Type: text/html; charset=utf-8\r\n\r\n"+
		"<html><body><a href=\"https://example.org/page?a=1\">go</a> <a href='https://skip.example.com/x'>skip</a></body></html>\r\n")

	result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
	require.NoError(t, err)

	assert.Equal(t, 1, result.TrackedLinks)
	assert.Equal(t, 1, result.TrackedImages)
	assert.True(t, result.Actioned())

	text := body(t, result.Raw)
	match := trackedLink.FindStringSubmatch(text)
	require.NotNil(t, match, text)
	assert.Contains(t, text, "href='"+match[0]+"'")
	assert.Contains(t, text, "href='https://skip.example.com/x'")
	assert.NotContains(t, text, "https://example.org/page")

	link, err := f.store.FindLink(f.ctx, match[1])
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/page?a=1", link.URL)
	assert.Equal(t, msg.ID, link.MessageID)

	assert.Contains(t, text, "<img src='https://click.example.com/img/srvtok/msgtok' alt=''></p></body>")
}

func TestRewriter_PlainText(t *testing.T) {
	f := newTrackingFixture(t)
	msg := f.message(t, "Content-Type: text/plain\r\n\r\n"+
		"Visit http://example.org/a and https+notrack://example.net/b\r\n")

	result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
	require.NoError(t, err)

	assert.Equal(t, 1, result.TrackedLinks)
	assert.Zero(t, result.TrackedImages)

	text := body(t, result.Raw)
	assert.Regexp(t, `^Visit https://click\.example\.com/srvtok/[0-9a-f\-]{36} and https://example\.net/b`, text)
}

func TestRewriter_NotrackOnly(t *testing.T) {
	f := newTrackingFixture(t)
	msg := f.message(t, "Content-Type: text/plain\r\n\r\nsee http+notrack://skip.example.com/x\r\n")

	result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
	require.NoError(t, err)

	assert.Zero(t, result.TrackedLinks)
	assert.True(t, result.Actioned())
	assert.Contains(t, body(t, result.Raw), "see http://skip.example.com/x")
}

func TestRewriter_Multipart(t *testing.T) {
	f := newTrackingFixture(t)
	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=us-ascii\r\n" +
		"\r\n" +
		"Go to https://example.org/plain\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"PGEgaHJlZj0iaHR0cHM6Ly9leGFtcGxlLm9yZy9odG1sIj5nbzwvYT4=\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Disposition: attachment; filename=links.txt\r\n" +
		"\r\n" +
		"https://example.org/attached\r\n" +
		"--outer--\r\n"
	msg := f.message(t, raw)

	result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TrackedLinks)
	assert.Equal(t, 1, result.TrackedImages)

	out := string(result.Raw)
	assert.Contains(t, out, "boundary=outer")
	assert.Contains(t, out, "https://example.org/attached")
	assert.NotContains(t, out, "PGEgaHJlZj0i")
	assert.Contains(t, out, "Content-Transfer-Encoding: quoted-printable")
}

func TestRewriter_Passthrough(t *testing.T) {
	raw := "Content-Type: text/html\r\n\r\n<a href=\"https://example.org/x\">x</a>"

	t.Run("全局关闭", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, raw)

		result, err := f.rewriter(config.TrackingConfig{}).Rewrite(f.ctx, f.server, msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(result.Raw))
		assert.False(t, result.Actioned())
	})

	t.Run("没有已验证的跟踪域名", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, raw)
		otherDomain := "dom-2"
		msg.DomainID = &otherDomain

		result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(result.Raw))
		assert.Zero(t, result.TrackedLinks)
	})

	t.Run("顶层没有 Content-Type", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, "Subject: hi\r\n\r\nhttps://example.org/x\r\n")

		result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
		require.NoError(t, err)
		assert.Equal(t, string(msg.Raw), string(result.Raw))
		assert.Zero(t, result.TrackedLinks)
	})
}

func TestRewriter_Failure(t *testing.T) {
	raw := "Content-Type: text/html; charset=x-unknown-charset\r\n\r\n<a href=\"https://example.org/x\">x</a>"

	t.Run("回退原文", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, raw)

		result, err := f.rewriter(config.TrackingConfig{Enabled: true}).Rewrite(f.ctx, f.server, msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(result.Raw))
		assert.Zero(t, result.TrackedLinks)
		assert.Zero(t, result.TrackedImages)
	})

	t.Run("诊断模式返回错误", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, raw)

		_, err := f.rewriter(config.TrackingConfig{Enabled: true, Diagnostic: true}).Rewrite(f.ctx, f.server, msg)
		assert.ErrorContains(t, err, "unknown charset")
	})
}

// MockEventTrigger 模拟事件下游
type MockEventTrigger struct {
	mock.Mock
}

func (m *MockEventTrigger) Trigger(ctx context.Context, serverID string, eventType domain.WebhookEventType, data interface{}) error {
	args := m.Called(ctx, serverID, eventType, data)
	return args.Error(0)
}

func TestTracker(t *testing.T) {
	visitor := Visitor{IPAddress: "203.0.113.7", UserAgent: "Mail/1.0"}

	t.Run("点击跳转并触发事件", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, "Subject: x\r\n\r\n")
		token, err := f.store.CreateLink(f.ctx, f.server.ID, msg.ID, "https://example.org/landing")
		require.NoError(t, err)

		events := new(MockEventTrigger)
		events.On("Trigger", mock.Anything, f.server.ID, domain.WebhookEventMessageLinkClicked,
			mock.MatchedBy(func(p domain.TrackingWebhookPayload) bool {
				return p.URL == "https://example.org/landing" && p.Token == token && p.Message.ID == msg.ID && p.IPAddress == visitor.IPAddress
			})).Return(nil).Once()

		url, err := NewTracker(f.store, events, zap.NewNop()).Click(f.ctx, "srvtok", token, visitor)
		require.NoError(t, err)
		assert.Equal(t, "https://example.org/landing", url)
		events.AssertExpectations(t)
	})

	t.Run("其他服务器的链接", func(t *testing.T) {
		f := newTrackingFixture(t)
		require.NoError(t, f.store.SaveServer(f.ctx, &domain.Server{ID: "srv-2", Permalink: "other", Token: "othertok"}))
		token, err := f.store.CreateLink(f.ctx, f.server.ID, 1, "https://example.org/")
		require.NoError(t, err)

		_, err = NewTracker(f.store, nil, zap.NewNop()).Click(f.ctx, "othertok", token, visitor)
		assert.ErrorIs(t, err, domain.ErrLinkNotFound)
	})

	t.Run("像素加载", func(t *testing.T) {
		f := newTrackingFixture(t)
		msg := f.message(t, "Subject: x\r\n\r\n")

		events := new(MockEventTrigger)
		events.On("Trigger", mock.Anything, f.server.ID, domain.WebhookEventMessageLoaded,
			mock.MatchedBy(func(p domain.TrackingWebhookPayload) bool {
				return p.Message.Token == msg.Token && p.UserAgent == visitor.UserAgent
			})).Return(nil).Once()

		require.NoError(t, NewTracker(f.store, events, zap.NewNop()).Load(f.ctx, "srvtok", "msgtok", visitor))
		events.AssertExpectations(t)
	})

	t.Run("未知邮件", func(t *testing.T) {
		f := newTrackingFixture(t)
		err := NewTracker(f.store, nil, zap.NewNop()).Load(f.ctx, "srvtok", "missing", visitor)
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}
