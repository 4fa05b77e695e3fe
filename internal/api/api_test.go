package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/db/memstore"
	"github.com/bobarin/beatsync/internal/ledger"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	adminKey   = "admin-key"
	webhookKey = "hook-key"
)

type storeNotifier struct {
	store *memstore.Store
}

func (n *storeNotifier) HandleNotification(ctx context.Context, m models.MotionNotification) (models.NotificationOutcome, error) {
	if m.Status == "failed" {
		return n.store.FailChunkByExternalID(ctx, m.ExternalRequestID, lo.FromPtr(m.Error), time.Now())
	}
	return n.store.CompleteChunk(ctx, m.ExternalRequestID, lo.FromPtr(m.OutputReference), time.Now())
}

type fakeSigner struct{}

func (fakeSigner) GetSignedURL(_ context.Context, objectPath string, expiresIn int) (string, error) {
	return "https://cdn.example.com/" + objectPath + "?ttl=" + jsonInt(expiresIn), nil
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type recordingRinger struct {
	mu   sync.Mutex
	rung []uuid.UUID
}

func (r *recordingRinger) Ring(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rung = append(r.rung, id)
	return nil
}

type harness struct {
	store  *memstore.Store
	ringer *recordingRinger
	server http.Handler
	owner  uuid.UUID
}

func newHarness(t *testing.T, balance int64, cfg RouterConfig) *harness {
	t.Helper()
	store := memstore.New()
	owner := uuid.New()
	store.PutAccount(models.Account{ID: owner, Email: "owner@example.com", Plan: "creator", CreditBalance: balance})

	ringer := &recordingRinger{}
	h := NewHandler(
		ledger.NewService(store, zap.NewNop()),
		store,
		&storeNotifier{store: store},
		fakeSigner{},
		ringer,
		ledger.Pricing{BaseJobCost: 10, CostPerMeasure: 2},
		600,
		zap.NewNop(),
	)
	return &harness{store: store, ringer: ringer, server: NewRouter(h, cfg), owner: owner}
}

func defaultRouterConfig() RouterConfig {
	return RouterConfig{AdminAPIKey: adminKey, WebhookSecret: webhookKey}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) asOwner() map[string]string {
	return map[string]string{"X-Owner-ID": h.owner.String()}
}

func validJobRequest(owner uuid.UUID) models.CreateJobRequest {
	return models.CreateJobRequest{
		DriverVideoPath:    storage.UploadPath(owner, "driver.mp4"),
		ReferenceAudioPath: storage.UploadPath(owner, "track.wav"),
		TargetImagePaths:   []string{storage.UploadPath(owner, "a.png"), storage.UploadPath(owner, "b.png")},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 0, defaultRouterConfig())
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateJobDeductsAndRings(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())

	req := validJobRequest(h.owner)
	req.Measures = lo.ToPtr(8)
	rec := h.do(t, http.MethodPost, "/v1/jobs", req, h.asOwner())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[models.CreateJobResponse](t, rec)
	if resp.Status != models.JobStatusPending || !resp.CreditsDeducted || resp.QuotedCost != 16 {
		t.Errorf("unexpected response %+v", resp)
	}

	account, _ := h.store.GetAccount(context.Background(), h.owner)
	if account.CreditBalance != 84 {
		t.Errorf("balance = %d, want 84", account.CreditBalance)
	}

	job, err := h.store.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Tier != "creator" || !job.IsFirstTime || lo.FromPtr(job.TargetMeasures) != 8 {
		t.Errorf("unexpected stored job %+v", job)
	}

	if len(h.ringer.rung) != 1 || h.ringer.rung[0] != resp.JobID {
		t.Errorf("doorbell rings = %v, want [%s]", h.ringer.rung, resp.JobID)
	}
}

func TestCreateJobWithShortBalanceStaysUnbilled(t *testing.T) {
	h := newHarness(t, 5, defaultRouterConfig())

	rec := h.do(t, http.MethodPost, "/v1/jobs", validJobRequest(h.owner), h.asOwner())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[models.CreateJobResponse](t, rec)
	if resp.CreditsDeducted {
		t.Error("job should not be charged")
	}
	if resp.QuotedCost != 10 {
		t.Errorf("quoted cost = %d, want the base price", resp.QuotedCost)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())

	tests := map[string]func(*models.CreateJobRequest){
		"no images":        func(r *models.CreateJobRequest) { r.TargetImagePaths = nil },
		"empty image path": func(r *models.CreateJobRequest) { r.TargetImagePaths = []string{""} },
		"no driver":        func(r *models.CreateJobRequest) { r.DriverVideoPath = "" },
		"zero bpm":         func(r *models.CreateJobRequest) { r.BPM = lo.ToPtr(0.0) },
		"zero measures":    func(r *models.CreateJobRequest) { r.Measures = lo.ToPtr(0) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := validJobRequest(h.owner)
			mutate(&req)
			rec := h.do(t, http.MethodPost, "/v1/jobs", req, h.asOwner())
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	if got := len(h.store.LedgerEntries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
}

func TestCreateJobRejectsForeignUploads(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	other := uuid.New()

	tests := map[string]func(*models.CreateJobRequest){
		"driver of another owner": func(r *models.CreateJobRequest) { r.DriverVideoPath = storage.UploadPath(other, "driver.mp4") },
		"audio outside uploads":   func(r *models.CreateJobRequest) { r.ReferenceAudioPath = "jobs/x/final.mp4" },
		"image escapes prefix": func(r *models.CreateJobRequest) {
			r.TargetImagePaths[1] = "uploads/" + h.owner.String() + "/../" + other.String() + "/a.png"
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := validJobRequest(h.owner)
			mutate(&req)
			rec := h.do(t, http.MethodPost, "/v1/jobs", req, h.asOwner())
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	if got := len(h.store.LedgerEntries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
}

func TestCreateJobUnknownAccount(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	stranger := uuid.New()
	rec := h.do(t, http.MethodPost, "/v1/jobs", validJobRequest(stranger), map[string]string{"X-Owner-ID": stranger.String()})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestOwnerAuth(t *testing.T) {
	secret := "s3cret"
	cfg := defaultRouterConfig()
	cfg.JWTSecret = secret
	h := newHarness(t, 100, cfg)

	sign := func(key, sub string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := token.SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"valid token", map[string]string{"Authorization": "Bearer " + sign(secret, h.owner.String())}, http.StatusCreated},
		{"wrong key", map[string]string{"Authorization": "Bearer " + sign("other", h.owner.String())}, http.StatusUnauthorized},
		{"subject not a uuid", map[string]string{"Authorization": "Bearer " + sign(secret, "alice")}, http.StatusUnauthorized},
		{"header ignored when a secret is set", h.asOwner(), http.StatusUnauthorized},
		{"no credentials", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/jobs", validJobRequest(h.owner), tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func (h *harness) seedJob(t *testing.T, status models.JobStatus) *models.Job {
	t.Helper()
	job := models.Job{
		ID:               uuid.New(),
		OwnerID:          h.owner,
		Tier:             "creator",
		Status:           status,
		TargetImagePaths: []string{"uploads/a.png"},
		QuotedCost:       10,
		CreditsDeducted:  true,
	}
	h.store.PutJob(job)
	return &job
}

func TestGetJob(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	final := "jobs/x/final.mp4"
	job := h.seedJob(t, models.JobStatusCompleted)
	job.FinalOutputPath = &final
	h.store.PutJob(*job)

	chunks := []models.Chunk{
		{ID: uuid.New(), JobID: job.ID, ChunkIndex: 0, Status: models.ChunkStatusCompleted, Duration: 8, CreditsCharged: lo.ToPtr(int64(8))},
		{ID: uuid.New(), JobID: job.ID, ChunkIndex: 1, Status: models.ChunkStatusCompleted, Duration: 4, CreditsCharged: lo.ToPtr(int64(4))},
	}
	if err := h.store.CreateChunks(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID.String(), nil, h.asOwner())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[models.JobResponse](t, rec)
	if len(resp.Chunks) != 2 || resp.Chunks[0].ChunkIndex != 0 {
		t.Errorf("chunks = %+v", resp.Chunks)
	}
	if resp.ChunkSpend != 12 {
		t.Errorf("chunk spend = %d, want 12", resp.ChunkSpend)
	}
	if resp.FinalOutputURL == nil || !strings.Contains(*resp.FinalOutputURL, final) {
		t.Errorf("final url = %v", resp.FinalOutputURL)
	}
}

func TestGetJobOfAnotherOwnerIsHidden(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	job := h.seedJob(t, models.JobStatusPending)

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID.String(), nil, map[string]string{"X-Owner-ID": uuid.NewString()})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", nil, h.asOwner())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	job := h.seedJob(t, models.JobStatusProcessing)
	path := "/v1/jobs/" + job.ID.String() + "/cancel"

	rec := h.do(t, http.MethodPost, path, nil, h.asOwner())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Job](t, rec); got.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	rec = h.do(t, http.MethodPost, path, nil, h.asOwner())
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}

	// Cancelling never refunds.
	if got := len(h.store.LedgerEntries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())

	pending := h.seedJob(t, models.JobStatusProcessing)
	rec := h.do(t, http.MethodGet, "/v1/jobs/"+pending.ID.String()+"/download", nil, h.asOwner())
	if rec.Code != http.StatusNotFound {
		t.Errorf("not ready status = %d, want 404", rec.Code)
	}

	final := "jobs/y/final.mp4"
	done := h.seedJob(t, models.JobStatusCompleted)
	done.FinalOutputPath = &final
	h.store.PutJob(*done)
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+done.ID.String()+"/download", nil, h.asOwner())
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.example.com/"+final+"?ttl=600" {
		t.Errorf("location = %s", loc)
	}
}

func TestMotionWebhook(t *testing.T) {
	h := newHarness(t, 100, defaultRouterConfig())
	job := h.seedJob(t, models.JobStatusProcessing)
	ext := "req-1"
	dispatched := time.Now()
	if err := h.store.CreateChunks(context.Background(), []models.Chunk{{
		ID: uuid.New(), JobID: job.ID, Status: models.ChunkStatusDispatched,
		ExternalRequestID: &ext, DispatchTimestamp: &dispatched, Duration: 8,
	}}); err != nil {
		t.Fatal(err)
	}

	auth := map[string]string{"X-API-Key": webhookKey}
	body := models.MotionNotification{ExternalRequestID: ext, Status: "completed", OutputReference: lo.ToPtr("out-1")}

	if rec := h.do(t, http.MethodPost, "/v1/webhooks/motion", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/v1/webhooks/motion", body, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec)["outcome"]; got != string(models.NotificationApplied) {
		t.Errorf("outcome = %s, want applied", got)
	}

	rec = h.do(t, http.MethodPost, "/v1/webhooks/motion", body, auth)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["outcome"]; got != string(models.NotificationDuplicate) {
		t.Errorf("outcome = %s, want duplicate", got)
	}

	body.ExternalRequestID = "req-unknown"
	if rec := h.do(t, http.MethodPost, "/v1/webhooks/motion", body, auth); rec.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", rec.Code)
	}

	body.Status = "exploded"
	if rec := h.do(t, http.MethodPost, "/v1/webhooks/motion", body, auth); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status value = %d, want 400", rec.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newHarness(t, 100, RouterConfig{})
	if rec := h.do(t, http.MethodGet, "/v1/admin/ledger/unbilled", nil, map[string]string{"X-API-Key": adminKey}); rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured admin status = %d, want 404", rec.Code)
	}

	h = newHarness(t, 100, defaultRouterConfig())
	if rec := h.do(t, http.MethodGet, "/v1/admin/ledger/unbilled", nil, map[string]string{"X-API-Key": "nope"}); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key status = %d, want 403", rec.Code)
	}
}

func TestAdminRetryAndRepair(t *testing.T) {
	h := newHarness(t, 5, defaultRouterConfig())
	admin := map[string]string{"Authorization": "Bearer " + adminKey}

	rec := h.do(t, http.MethodPost, "/v1/jobs", validJobRequest(h.owner), h.asOwner())
	jobID := decode[models.CreateJobResponse](t, rec).JobID

	rec = h.do(t, http.MethodGet, "/v1/admin/ledger/unbilled?limit=10", nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("unbilled status = %d", rec.Code)
	}
	if got := decode[models.UnbilledJobsResponse](t, rec); got.Total != 1 || got.Jobs[0].ID != jobID {
		t.Errorf("unbilled = %+v", got)
	}
	if rec := h.do(t, http.MethodGet, "/v1/admin/ledger/unbilled?limit=0", nil, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	retry := "/v1/admin/jobs/" + jobID.String() + "/retry-deduction"
	if rec := h.do(t, http.MethodPost, retry, nil, admin); rec.Code != http.StatusPaymentRequired {
		t.Errorf("short balance retry status = %d, want 402", rec.Code)
	}

	release := h.store.LockJobExternally(jobID)
	if rec := h.do(t, http.MethodPost, retry, nil, admin); rec.Code != http.StatusConflict {
		t.Errorf("locked retry status = %d, want 409", rec.Code)
	}
	release()

	account, _ := h.store.GetAccount(context.Background(), h.owner)
	account.CreditBalance = 50
	h.store.PutAccount(*account)

	rec = h.do(t, http.MethodPost, retry, nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[deductionResponse](t, rec); !got.Deducted {
		t.Errorf("retry response = %+v", got)
	}

	rec = h.do(t, http.MethodPost, retry, nil, admin)
	if got := decode[deductionResponse](t, rec); !got.AlreadyDeducted || got.Deducted {
		t.Errorf("second retry response = %+v", got)
	}

	repair := "/v1/admin/jobs/" + jobID.String() + "/repair-deduction"
	if rec := h.do(t, http.MethodPost, repair, map[string]string{}, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("repair without reason status = %d, want 400", rec.Code)
	}
	rec = h.do(t, http.MethodPost, repair, map[string]string{"reason": "duplicate charge"}, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("repair status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/v1/admin/jobs/"+jobID.String()+"/ledger", nil, admin)
	entries := decode[[]models.LedgerEntry](t, rec)
	actions := lo.Map(entries, func(e models.LedgerEntry, _ int) models.LedgerAction { return e.Action })
	want := []models.LedgerAction{
		models.LedgerActionDeductionFailed, // intake
		models.LedgerActionDeductionFailed, // first retry
		models.LedgerActionDeducted,
		models.LedgerActionRefunded,
	}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action %d = %s, want %s", i, actions[i], want[i])
		}
	}

	account, _ = h.store.GetAccount(context.Background(), h.owner)
	if account.CreditBalance != 50 {
		t.Errorf("balance after repair = %d, want 50", account.CreditBalance)
	}
}
