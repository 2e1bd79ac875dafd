package inspection

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

const sampleReport = "SPAMD/1.1 0 EX_OK\r\n" +
	"Spam: False ; 1.3 / 5.0\r\n" +
	"\r\n" +
	"Content analysis details:   (1.3 points, 5.0 required)\r\n" +
	"\r\n" +
	" pts rule name              description\r\n" +
	"---- ---------------------- --------------------------------------------------\r\n" +
	"-0.0 NO_RELAYS              Informational: message was not relayed via SMTP\r\n" +
	" 1.2 MISSING_HEADERS        Missing To: header\r\n" +
	" 0.1 DKIM_INVALID           DKIM or DK signature exists, but is not valid\r\n" +
	"                            for this message\r\n"

// fakeScanner 本地回环上的一次性扫描服务
type fakeScanner struct {
	listener net.Listener
	requests chan []byte
}

// newFakeScanner 启动服务，reply 为 nil 时读取请求后不作应答直到测试结束
func newFakeScanner(t *testing.T, reply []byte) *fakeScanner {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeScanner{listener: ln, requests: make(chan []byte, 4)}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				request, _ := io.ReadAll(conn)
				f.requests <- request
				if reply == nil {
					<-done
					return
				}
				conn.Write(reply)
			}(conn)
		}
	}()
	return f
}

func (f *fakeScanner) config(timeout time.Duration) config.ScannerConfig {
	host, port, _ := net.SplitHostPort(f.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return config.ScannerConfig{Enabled: true, Host: host, Port: p, Timeout: timeout}
}

// refusedConfig 返回一个没有服务监听的地址
func refusedConfig(t *testing.T) config.ScannerConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	p, _ := strconv.Atoi(port)
	return config.ScannerConfig{Enabled: true, Host: host, Port: p, Timeout: time.Second}
}

func newTestInspector(spamCfg, clamCfg config.ScannerConfig) *Inspector {
	return NewInspector(config.InspectionConfig{Spamd: spamCfg, ClamAV: clamCfg}, monitoring.NewMetrics(), zap.NewNop())
}

func TestParseSpamReport(t *testing.T) {
	result, err := ParseSpamReport([]byte(sampleReport))
	require.NoError(t, err)

	assert.Equal(t, 1.3, result.Score)
	require.Len(t, result.Checks, 3)
	assert.Equal(t, domain.SpamCheck{Code: "NO_RELAYS", Score: 0, Description: "Informational: message was not relayed via SMTP"}, result.Checks[0])
	assert.Equal(t, 1.2, result.Checks[1].Score)
	assert.Equal(t, "DKIM or DK signature exists, but is not valid for this message", result.Checks[2].Description)
}

func TestParseSpamReport_ContinuationWithoutRule(t *testing.T) {
	_, err := ParseSpamReport([]byte("---- ----\r\n   dangling text\r\n"))
	assert.ErrorIs(t, err, errOrphanContinuation)
}

func TestFilterChecks(t *testing.T) {
	checks := []domain.SpamCheck{
		{Code: "NO_RELAYS", Score: 0.5},
		{Code: "SPF_FAIL", Score: 1},
		{Code: "R_DKIM_INVALID", Score: 1},
		{Code: "RCVD_IN_DNSWL_NONE", Score: 1},
		{Code: "HTML_MESSAGE", Score: 0.25},
	}

	assert.Len(t, FilterChecks(domain.ScopeIncoming, checks), 5)

	outgoing := FilterChecks(domain.ScopeOutgoing, checks)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "HTML_MESSAGE", outgoing[0].Code)
}

func TestInspector_Spamd(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")

	t.Run("解析并按方向过滤", func(t *testing.T) {
		server := newFakeScanner(t, []byte(sampleReport))
		inspector := newTestInspector(server.config(time.Second), config.ScannerConfig{})

		result := inspector.Inspect(context.Background(), raw, domain.ScopeOutgoing)

		request := <-server.requests
		assert.Equal(t, "REPORT SPAMC/1.2\r\nContent-length: 21\r\n\r\nSubject: hi\r\n\r\nbody\r\n", string(request))

		assert.Equal(t, 1.3, result.SpamScore)
		assert.Len(t, result.SpamChecks, 3)
		assert.Equal(t, 1.2, result.FilteredSpamScore)
		require.Len(t, result.FilteredSpamChecks, 1)
		assert.Equal(t, "MISSING_HEADERS", result.FilteredSpamChecks[0].Code)
		assert.False(t, result.Threat)
	})

	t.Run("超时", func(t *testing.T) {
		server := newFakeScanner(t, nil)
		inspector := newTestInspector(server.config(100*time.Millisecond), config.ScannerConfig{})

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.Equal(t, []domain.SpamCheck{{Code: CheckTimeout, Description: "Timed out when scanning for spam"}}, result.SpamChecks)
		assert.Zero(t, result.SpamScore)
	})

	t.Run("连接失败", func(t *testing.T) {
		inspector := newTestInspector(refusedConfig(t), config.ScannerConfig{})

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.Equal(t, []domain.SpamCheck{{Code: CheckError, Description: "Error when scanning for spam"}}, result.SpamChecks)
	})
}

func TestInspector_Clamd(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")

	t.Run("没有威胁", func(t *testing.T) {
		server := newFakeScanner(t, []byte("stream: OK\x00"))
		inspector := newTestInspector(config.ScannerConfig{}, server.config(time.Second))

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		var expected bytes.Buffer
		expected.WriteString("zINSTREAM\x00")
		binary.Write(&expected, binary.BigEndian, uint32(len(raw)))
		expected.Write(raw)
		expected.Write([]byte{0, 0, 0, 0})
		assert.Equal(t, expected.Bytes(), <-server.requests)

		assert.False(t, result.Threat)
		assert.Equal(t, "No threats found", result.ThreatMessage)
		assert.Empty(t, result.SpamChecks)
	})

	t.Run("发现威胁", func(t *testing.T) {
		server := newFakeScanner(t, []byte("stream: Eicar-Test-Signature FOUND\x00"))
		inspector := newTestInspector(config.ScannerConfig{}, server.config(time.Second))

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.True(t, result.Threat)
		assert.Equal(t, "Eicar-Test-Signature", result.ThreatMessage)
	})

	t.Run("无法识别的响应", func(t *testing.T) {
		server := newFakeScanner(t, []byte("INSTREAM size limit exceeded. ERROR\x00"))
		inspector := newTestInspector(config.ScannerConfig{}, server.config(time.Second))

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.False(t, result.Threat)
		assert.Equal(t, "Could not scan message", result.ThreatMessage)
	})

	t.Run("超时", func(t *testing.T) {
		server := newFakeScanner(t, nil)
		inspector := newTestInspector(config.ScannerConfig{}, server.config(100*time.Millisecond))

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.False(t, result.Threat)
		assert.Equal(t, "Timed out scanning for threats", result.ThreatMessage)
	})

	t.Run("连接失败", func(t *testing.T) {
		inspector := newTestInspector(config.ScannerConfig{}, refusedConfig(t))

		result := inspector.Inspect(context.Background(), raw, domain.ScopeIncoming)

		assert.False(t, result.Threat)
		assert.Equal(t, "Error when scanning for threats", result.ThreatMessage)
	})
}

func TestInspector_Disabled(t *testing.T) {
	inspector := newTestInspector(config.ScannerConfig{}, config.ScannerConfig{})

	result := inspector.Inspect(context.Background(), []byte("x"), domain.ScopeOutgoing)

	assert.Zero(t, result.SpamScore)
	assert.Empty(t, result.SpamChecks)
	assert.False(t, result.Threat)
}

func TestConnectionLimiter(t *testing.T) {
	limiter := NewConnectionLimiter(1, 0)
	require.NoError(t, limiter.Acquire(context.Background()))
	assert.Equal(t, 1, limiter.Current())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Acquire(ctx), context.DeadlineExceeded)

	limiter.Release()
	assert.Equal(t, 0, limiter.Current())
}
