package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/inspection"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/pool"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage/memory"
	"relaymail/backend/internal/tracking"
)

type fakeSpam struct {
	checks []domain.SpamCheck
}

func (f fakeSpam) Scan(ctx context.Context, raw []byte) (inspection.SpamResult, error) {
	total := 0.0
	for _, c := range f.checks {
		total += c.Score
	}
	return inspection.SpamResult{Score: total, Checks: f.checks}, nil
}

type fakeVirus struct {
	verdict string
}

func (f fakeVirus) Scan(ctx context.Context, raw []byte) (inspection.VirusResult, error) {
	if f.verdict == "" {
		return inspection.VirusResult{Message: "No threats found"}, nil
	}
	return inspection.VirusResult{Threat: true, Message: f.verdict}, nil
}

type pipelineFixture struct {
	ctx        context.Context
	store      *memory.Store
	server     *domain.Server
	prototypes *service.PrototypeService
	pipeline   *Pipeline
}

func newPipelineFixture(t *testing.T, virus fakeVirus, workers *pool.WorkerPool) *pipelineFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	log := zap.NewNop()
	metrics := monitoring.NewMetrics()

	server := &domain.Server{ID: "srv-1", Permalink: "main", Token: "srvtok"}
	require.NoError(t, store.SaveServer(ctx, server))

	verified := time.Now().UTC()
	require.NoError(t, store.SaveDomain(ctx, &domain.Domain{
		ID: "dom-1", OwnerType: domain.DomainOwnerServer, OwnerID: server.ID, Name: "example.com", VerifiedAt: &verified,
	}))
	require.NoError(t, store.SaveTrackingDomain(ctx, &domain.TrackingDomain{
		ServerID: server.ID, DomainID: "dom-1", FullName: "click.example.com",
		DNSStatus: domain.DNSStatusOK, TrackClicks: true, TrackLoads: true, UseSSL: true,
	}))

	endpoint := &domain.Endpoint{ID: "http-1", Kind: domain.EndpointHTTP, ServerID: server.ID, Name: "App", URL: "https://app.example.com/inbound"}
	require.NoError(t, store.SaveEndpoint(ctx, endpoint))

	routes := service.NewRouteService(store, log)
	domainID := "dom-1"
	route := &domain.Route{ServerID: server.ID, DomainID: &domainID, Name: "sales", Mode: domain.RouteModeEndpoint, SpamMode: domain.SpamModeMark}
	route.SetEndpoint(endpoint)
	require.NoError(t, routes.SaveRoute(ctx, route, nil))

	inspector := inspection.NewInspectorWith(
		fakeSpam{checks: []domain.SpamCheck{{Code: "NO_RELAYS", Score: 0.5}, {Code: "HTML_MESSAGE", Score: 1.25}}},
		virus, metrics, log)
	rewriter := tracking.NewRewriter(store, config.TrackingConfig{Enabled: true}, metrics, log)

	var submitter TaskSubmitter
	if workers != nil {
		submitter = workers
	}

	return &pipelineFixture{
		ctx:        ctx,
		store:      store,
		server:     server,
		prototypes: service.NewPrototypeService(routes, store, config.DNSConfig{ReturnPath: "rp.relaymail.test"}, log),
		pipeline:   New(store, inspector, rewriter, submitter, metrics, log),
	}
}

func outgoingFields() service.PrototypeFields {
	return service.PrototypeFields{
		To:        "a@dest.example, b@dest.example",
		From:      "News <news@example.com>",
		Subject:   "Weekly",
		PlainBody: "Read https://example.org/news today",
	}
}

func TestPipeline_ProcessOutgoing(t *testing.T) {
	workers := pool.NewWorkerPool(2, 8, zap.NewNop())
	workers.Start(context.Background())
	defer workers.Stop()

	f := newPipelineFixture(t, fakeVirus{}, workers)
	reports, err := f.pipeline.ProcessOutgoing(f.ctx, f.prototypes.NewOutgoing(f.server, "10.0.0.1", "api", outgoingFields()))
	require.NoError(t, err)
	require.Len(t, reports, 2)

	for _, report := range reports {
		require.NoError(t, report.Err)
		require.NotNil(t, report.Tracking)
		assert.Equal(t, 1, report.Tracking.TrackedLinks)

		stored, err := f.store.GetMessage(f.ctx, f.server.ID, report.Message.ID)
		require.NoError(t, err)
		assert.True(t, stored.Inspected)
		assert.True(t, stored.Parsed)
		assert.Equal(t, 1, stored.TrackedLinks)
		assert.Zero(t, stored.TrackedImages)
		// 出站过滤掉 NO_RELAYS
		assert.Equal(t, 1.25, stored.SpamScore)
		assert.False(t, stored.Threat)
		assert.Equal(t, "No threats found", stored.ThreatDetails)
		assert.Contains(t, string(stored.Raw), "click.example.com")
		assert.NotContains(t, string(stored.Raw), "https://example.org/news")
	}
	assert.ElementsMatch(t, []string{"a@dest.example", "b@dest.example"},
		[]string{reports[0].Description, reports[1].Description})
}

func TestPipeline_ProcessIncoming(t *testing.T) {
	f := newPipelineFixture(t, fakeVirus{verdict: "Eicar-Test-Signature"}, nil)
	fields := service.PrototypeFields{
		To:        "sales@example.com",
		From:      "someone@sender.example",
		Subject:   "Hi",
		PlainBody: "see https://example.org/x",
	}

	reports, err := f.pipeline.ProcessIncoming(f.ctx, f.prototypes.NewIncoming(f.server, "10.0.0.1", "api", fields))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.NoError(t, reports[0].Err)
	assert.Nil(t, reports[0].Tracking)

	stored, err := f.store.GetMessage(f.ctx, f.server.ID, reports[0].Message.ID)
	require.NoError(t, err)
	assert.True(t, stored.Inspected)
	assert.False(t, stored.Parsed)
	assert.Equal(t, 1.75, stored.SpamScore)
	assert.True(t, stored.Threat)
	assert.Equal(t, "Eicar-Test-Signature", stored.ThreatDetails)
	assert.True(t, strings.Contains(string(stored.Raw), "https://example.org/x"))
}

func TestPipeline_InvalidPrototype(t *testing.T) {
	f := newPipelineFixture(t, fakeVirus{}, nil)
	fields := outgoingFields()
	fields.To = ""

	reports, err := f.pipeline.Process(f.ctx, f.prototypes.NewOutgoing(f.server, "10.0.0.1", "api", fields))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Messages(), service.ErrCodeNoRecipients)
	assert.Nil(t, reports)
	assert.Empty(t, f.store.ListMessages())
}

func TestPipeline_Run(t *testing.T) {
	f := newPipelineFixture(t, fakeVirus{}, nil)

	jobs := make(chan Job, 2)
	valid := make(chan Outcome, 1)
	invalid := make(chan Outcome, 1)

	bad := outgoingFields()
	bad.Subject = ""
	jobs <- Job{Prototype: f.prototypes.NewOutgoing(f.server, "10.0.0.1", "api", outgoingFields()), Done: valid}
	jobs <- Job{Prototype: f.prototypes.NewOutgoing(f.server, "10.0.0.1", "api", bad), Done: invalid}
	close(jobs)

	require.NoError(t, f.pipeline.Run(f.ctx, jobs, 2))

	ok := <-valid
	require.NoError(t, ok.Err)
	assert.Len(t, ok.Reports, 2)

	rejected := <-invalid
	assert.Error(t, rejected.Err)
	assert.Len(t, f.store.ListMessages(), 2)
}
