package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/jobs/inmemory"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/store"
	"github.com/dvloznov/txsync/internal/store/memory"
)

type fakePublisher struct {
	published []*jobs.SyncAccountJob
	err       error
}

func (p *fakePublisher) PublishSyncAccount(ctx context.Context, job *jobs.SyncAccountJob) error {
	if p.err != nil {
		return p.err
	}
	job.JobID = fmt.Sprintf("job-%d", len(p.published)+1)
	job.Status = jobs.JobStatusPending
	p.published = append(p.published, job)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakePipeline struct {
	report      *categorize.BatchReport
	insight     *store.Insight
	insightType string
	err         error
}

func (f *fakePipeline) Run(ctx context.Context, limit int) (*categorize.BatchReport, error) {
	return f.report, f.err
}

func (f *fakePipeline) Analyze(ctx context.Context, insightType string, start, end time.Time, accountIDs []string, prompt string) (*store.Insight, error) {
	f.insightType = insightType
	if f.err != nil {
		return nil, f.err
	}
	return f.insight, nil
}

type fakeRefresher struct {
	mu     sync.Mutex
	ranges [][2]time.Time
}

func (f *fakeRefresher) RefreshDerived(ctx context.Context, start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]time.Time{start, end})
}

func (f *fakeRefresher) refreshed() [][2]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]time.Time(nil), f.ranges...)
}

type env struct {
	st        *memory.Store
	publisher *fakePublisher
	pipeline  *fakePipeline
	refresher *fakeRefresher
	server    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	publisher := &fakePublisher{}
	pipeline := &fakePipeline{report: &categorize.BatchReport{}}
	refresher := &fakeRefresher{}
	matcher := match.New(match.DefaultConfig(), st, st)

	h := New(st, publisher, inmemory.NewStore(), nil, refresher, matcher, pipeline, nil)
	mux := http.NewServeMux()
	h.Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &env{st: st, publisher: publisher, pipeline: pipeline, refresher: refresher, server: srv}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decoding response: %v", method, path, err)
	}
	return resp, decoded
}

func (e *env) seedAccount(t *testing.T, kind domain.SourceKind) string {
	t.Helper()
	acc := &domain.Account{Name: "Test Account", Kind: kind}
	if kind == domain.SourceExternalAPI {
		acc.ExternalID = "ext-acct-1"
	}
	id, err := e.st.UpsertAccount(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCreateAndGetAccount(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/accounts", `{"name":"Shared Expenses","account_type":"checking"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if body["kind"] != string(domain.SourceManualUpload) {
		t.Errorf("kind = %v, want manual-upload", body["kind"])
	}

	id, _ := body["account_id"].(string)
	if id == "" {
		t.Fatal("no account_id in response")
	}

	resp, body = e.do(t, http.MethodGet, "/api/accounts/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["name"] != "Shared Expenses" {
		t.Errorf("name = %v", body["name"])
	}

	resp, _ = e.do(t, http.MethodGet, "/api/accounts/no-such-id", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing account status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/accounts", `{"name":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank name status = %d, want 400", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/accounts", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadCSV(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceManualUpload)

	csv := "date,amount,counterparty,memo\n" +
		"2026-03-01,-42.50,Whole Foods,weekly shop\n" +
		"2026-03-02,20.00,Alex,dinner split\n" +
		"not-a-date,1.00,x,y\n"

	resp, body := e.do(t, http.MethodPost, "/api/accounts/"+id+"/upload", csv)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, body)
	}
	if body["inserted"].(float64) != 2 {
		t.Errorf("inserted = %v, want 2", body["inserted"])
	}
	if body["skipped"].(float64) != 1 {
		t.Errorf("skipped = %v, want 1", body["skipped"])
	}
	if _, ok := body["staged_uri"]; ok {
		t.Error("staged_uri should be absent with no archiver configured")
	}

	// The upload must refresh derived state over the merged dates, or an
	// analysis cached over that range keeps serving the pre-upload numbers.
	refreshed := e.refresher.refreshed()
	if len(refreshed) != 1 {
		t.Fatalf("derived state refreshed %d times, want 1", len(refreshed))
	}
	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if !refreshed[0][0].Equal(wantStart) || !refreshed[0][1].Equal(wantEnd) {
		t.Errorf("refreshed range = %v, want [%v, %v)", refreshed[0], wantStart, wantEnd)
	}

	// Re-uploading the same file converges.
	resp, body = e.do(t, http.MethodPost, "/api/accounts/"+id+"/upload", csv)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second upload status = %d", resp.StatusCode)
	}
	if body["inserted"].(float64) != 0 || body["unchanged"].(float64) != 2 {
		t.Errorf("second upload inserted = %v unchanged = %v, want 0 and 2", body["inserted"], body["unchanged"])
	}
}

func TestUploadRejectsWrongAccountKind(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceExternalAPI)

	resp, _ := e.do(t, http.MethodPost, "/api/accounts/"+id+"/upload", "2026-03-01,-1.00,x,y\n")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/accounts/no-such-id/upload", "2026-03-01,-1.00,x,y\n")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing account status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerSync(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceExternalAPI)

	resp, body := e.do(t, http.MethodPost, "/api/accounts/"+id+"/sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["job_id"] != "job-1" {
		t.Errorf("job_id = %v", body["job_id"])
	}
	if len(e.publisher.published) != 1 || e.publisher.published[0].AccountID != id {
		t.Errorf("published = %+v", e.publisher.published)
	}
	if e.publisher.published[0].Trigger != "manual" {
		t.Errorf("trigger = %q, want manual", e.publisher.published[0].Trigger)
	}
}

func TestTriggerSyncRejectsManualAccount(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceManualUpload)

	resp, _ := e.do(t, http.MethodPost, "/api/accounts/"+id+"/sync", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if len(e.publisher.published) != 0 {
		t.Errorf("no job should be published, got %d", len(e.publisher.published))
	}
}

func TestTriggerAllSkipsManualAccounts(t *testing.T) {
	e := newEnv(t)
	e.seedAccount(t, domain.SourceExternalAPI)
	if _, err := e.st.UpsertAccount(context.Background(), &domain.Account{Name: "Ledger", Kind: domain.SourceManualUpload}); err != nil {
		t.Fatal(err)
	}

	resp, body := e.do(t, http.MethodPost, "/api/sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

type fakeBootstrapper struct {
	st    *memory.Store
	calls int
}

func (b *fakeBootstrapper) BootstrapAccounts(ctx context.Context) ([]*domain.Account, error) {
	b.calls++
	acc := &domain.Account{Name: "Discovered Card", Kind: domain.SourceExternalAPI, ExternalID: "ext-new"}
	if _, err := b.st.UpsertAccount(ctx, acc); err != nil {
		return nil, err
	}
	return []*domain.Account{acc}, nil
}

func TestTriggerAllDiscoversFeedAccounts(t *testing.T) {
	st := memory.New()
	publisher := &fakePublisher{}
	bootstrap := &fakeBootstrapper{st: st}
	h := New(st, publisher, inmemory.NewStore(), bootstrap, nil, match.New(match.DefaultConfig(), st, st), nil, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sync", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if bootstrap.calls != 1 {
		t.Errorf("bootstrap calls = %d, want 1", bootstrap.calls)
	}
	if len(publisher.published) != 1 {
		t.Errorf("published = %d jobs, want 1 for the discovered account", len(publisher.published))
	}
}

func TestListTransactionsFilters(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceManualUpload)

	ctx := context.Background()
	for day, amount := range map[int]domain.Money{1: -1000, 15: -2000} {
		_, err := e.st.UpsertTransaction(ctx, &domain.Transaction{
			ExternalID: fmt.Sprintf("t-%d", day),
			AccountID:  id,
			Amount:     amount,
			Date:       time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
			SourceTag:  domain.SourceTagManual,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	resp, body := e.do(t, http.MethodGet, "/api/transactions?start_date=2026-03-01&end_date=2026-03-10&account_id="+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}

	txs := body["transactions"].([]any)
	first := txs[0].(map[string]any)
	if first["amount_cents"].(float64) != -1000 || first["amount"] != "-10.00" {
		t.Errorf("amount fields = %v / %v", first["amount_cents"], first["amount"])
	}

	resp, _ = e.do(t, http.MethodGet, "/api/transactions?start_date=2026-03-10&end_date=2026-03-01", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/transactions?start_date=03/01/2026", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", resp.StatusCode)
	}
}

func TestRunMatcherEndpoint(t *testing.T) {
	e := newEnv(t)
	id := e.seedAccount(t, domain.SourceManualUpload)

	ctx := context.Background()
	now := time.Now().UTC()
	day := now.AddDate(0, 0, -5).Truncate(24 * time.Hour)
	seed := func(ext string, amount domain.Money, tag string) {
		t.Helper()
		_, err := e.st.UpsertTransaction(ctx, &domain.Transaction{
			ExternalID: ext, AccountID: id, Amount: amount, Date: day, SourceTag: tag,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	seed("debit-1", -2500, domain.SourceTagManual)
	seed("credit-1", 2500, domain.SourceTagVenmo)

	resp, body := e.do(t, http.MethodPost, "/api/match", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["paired"].(float64) != 1 {
		t.Errorf("paired = %v, want 1", body["paired"])
	}

	resp, body = e.do(t, http.MethodGet, "/api/pairs", "")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("pairs count = %v", body["count"])
	}

	pair := body["pairs"].([]any)[0].(map[string]any)
	resp, _ = e.do(t, http.MethodDelete, "/api/pairs/"+pair["pair_id"].(string), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("remove status = %d", resp.StatusCode)
	}

	_, body = e.do(t, http.MethodGet, "/api/pairs", "")
	if body["count"].(float64) != 0 {
		t.Errorf("pairs after removal = %v, want 0", body["count"])
	}
}

func TestCategorizeEndpoint(t *testing.T) {
	e := newEnv(t)
	e.pipeline.report = &categorize.BatchReport{Requested: 3, Categorized: 2, Failed: 1}

	resp, body := e.do(t, http.MethodPost, "/api/categorize?limit=10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["categorized"].(float64) != 2 || body["failed"].(float64) != 1 {
		t.Errorf("report = %v", body)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/categorize?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestAnalyzeEndpoint(t *testing.T) {
	e := newEnv(t)
	e.pipeline.insight = &store.Insight{
		ID:         "ins-1",
		Type:       categorize.InsightSpendingAnalysis,
		RangeStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Content:    "Spending was dominated by groceries.",
		Model:      "fake/fake-1",
	}

	resp, body := e.do(t, http.MethodPost, "/api/insights/analyze",
		`{"insight_type":"category_breakdown","start_date":"2026-03-01","end_date":"2026-04-01"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if body["content"] != "Spending was dominated by groceries." {
		t.Errorf("content = %v", body["content"])
	}
	if e.pipeline.insightType != categorize.InsightCategoryBreakdown {
		t.Errorf("insight type passed to pipeline = %q", e.pipeline.insightType)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/insights/analyze",
		`{"start_date":"2026-04-01","end_date":"2026-03-01"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/insights/analyze",
		`{"insight_type":"horoscope","start_date":"2026-03-01","end_date":"2026-04-01"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown insight_type status = %d, want 400", resp.StatusCode)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/categories", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if int(body["count"].(float64)) != len(domain.Categories) {
		t.Errorf("count = %v, want %d", body["count"], len(domain.Categories))
	}
}

func TestNoCategorizationBackend(t *testing.T) {
	st := memory.New()
	h := New(st, &fakePublisher{}, inmemory.NewStore(), nil, nil, match.New(match.DefaultConfig(), st, st), nil, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/categorize", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
