package rewardsd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"surveyrewards/bank"
	"surveyrewards/core/ledger"
	"surveyrewards/storage"
)

const (
	testOpsToken  = "ops-secret"
	testJWTSecret = "jwt-secret"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

type testEnv struct {
	handler http.Handler
	engine  *ledger.Engine
	account *bank.MemoryAccount
	store   *Store
	queue   *EventQueue
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	account := bank.NewMemoryAccount("custody", big.NewInt(1_000))
	store := setupTestStore(t)
	queue := NewEventQueue()
	hub := NewHub()

	authenticator, err := NewAuthenticator(AuthOptions{
		BearerToken:   testOpsToken,
		JWTSecret:     []byte(testJWTSecret),
		AdminSubjects: []string{"root"},
	})
	if err != nil {
		t.Fatalf("init auth: %v", err)
	}

	engine := ledger.NewEngine()
	engine.SetState(storage.NewState(storage.NewMemDB()))
	engine.SetTokenAccount(account)
	engine.SetAccessControl(authenticator)
	engine.SetCustodyAccount("custody")
	engine.SetEmitter(NewFanoutEmitter(queue, hub, store, nil))

	server, err := NewServer(ServerOptions{
		Engine:  engine,
		Auth:    authenticator,
		Limiter: NewClaimLimiter(6000, 100),
		Hub:     hub,
		Queue:   queue,
		Store:   store,
	})
	if err != nil {
		t.Fatalf("init server: %v", err)
	}
	return &testEnv{
		handler: server.Router(),
		engine:  engine,
		account: account,
		store:   store,
		queue:   queue,
	}
}

func userToken(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (env *testEnv) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	decodeBody(t, rec, &body)
	return body.Code
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/surveys", "", `{"rewardAmount":"100"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/surveys", userToken(t, "alice", "user"), `{"rewardAmount":"100"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}
}

func TestSurveyLifecycle(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/rewardToken", testOpsToken, `{"tokenId":"TKN"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set reward token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/surveys", testOpsToken, `{"rewardAmount":"100"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create survey: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created surveyResponse
	decodeBody(t, rec, &created)
	if created.ID != 0 || !created.Active || created.RewardAmount != "100" {
		t.Fatalf("unexpected survey payload: %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/surveys/0", userToken(t, "alice", "user"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get survey: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/surveys/0/status", testOpsToken, `{"active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var toggled surveyResponse
	decodeBody(t, rec, &toggled)
	if toggled.Active {
		t.Fatalf("expected survey inactive after toggle")
	}
}

func TestClaimFlow(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodPost, "/rewardToken", testOpsToken, `{"tokenId":"TKN"}`)
	env.do(t, http.MethodPost, "/surveys", testOpsToken, `{"rewardAmount":"100"}`)

	alice := userToken(t, "alice", "user")
	rec := env.do(t, http.MethodPost, "/surveys/0/claim", alice, `{"userId":"alice","responseProof":"answers"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var claim claimResponse
	decodeBody(t, rec, &claim)
	if claim.Amount != "100" || claim.UserID != "alice" {
		t.Fatalf("unexpected claim payload: %+v", claim)
	}

	// Double claim conflicts.
	rec = env.do(t, http.MethodPost, "/surveys/0/claim", alice, `{"userId":"alice","responseProof":"answers"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double claim: expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "already_participated" {
		t.Fatalf("double claim: unexpected code %q", code)
	}

	rec = env.do(t, http.MethodGet, "/surveys/0/participation/alice", alice, "")
	var participation struct {
		HasParticipated bool `json:"hasParticipated"`
	}
	decodeBody(t, rec, &participation)
	if !participation.HasParticipated {
		t.Fatalf("expected participation to be recorded")
	}

	// The emitter persists a receipt for the successful disbursement.
	receipts, err := env.store.ReceiptsForSurvey(context.Background(), 0)
	if err != nil {
		t.Fatalf("load receipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].UserID != "alice" || receipts[0].Amount != "100" {
		t.Fatalf("unexpected receipts: %+v", receipts)
	}
	if receipts[0].Token != "TKN" {
		t.Fatalf("expected receipt token TKN, got %q", receipts[0].Token)
	}
}

func TestClaimErrorMapping(t *testing.T) {
	env := setupTestServer(t)
	alice := userToken(t, "alice", "user")

	// No reward token yet.
	rec := env.do(t, http.MethodPost, "/surveys/0/claim", alice, `{"userId":"alice","responseProof":"p"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "not_configured" {
		t.Fatalf("expected not_configured conflict, got %d %s", rec.Code, rec.Body.String())
	}

	env.do(t, http.MethodPost, "/rewardToken", testOpsToken, `{"tokenId":"TKN"}`)

	rec = env.do(t, http.MethodPost, "/surveys/9/claim", alice, `{"userId":"alice","responseProof":"p"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown survey: expected 404, got %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/surveys", testOpsToken, `{"rewardAmount":"100"}`)
	env.do(t, http.MethodPost, "/surveys/0/status", testOpsToken, `{"active":false}`)
	rec = env.do(t, http.MethodPost, "/surveys/0/claim", alice, `{"userId":"alice","responseProof":"p"}`)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "survey_inactive" {
		t.Fatalf("inactive survey: expected 403 survey_inactive, got %d %s", rec.Code, rec.Body.String())
	}

	// Drain custody and verify funds exhaustion surfaces as 402.
	env.do(t, http.MethodPost, "/surveys/0/status", testOpsToken, `{"active":true}`)
	rec = env.do(t, http.MethodPost, "/withdraw", testOpsToken, `{"amount":"1000"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/surveys/0/claim", alice, `{"userId":"alice","responseProof":"p"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("insufficient funds: expected 402, got %d", rec.Code)
	}
}

func TestWithdrawRequiresAdmin(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/withdraw", userToken(t, "alice", "user"), `{"amount":"10"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminJWTAllowlisted(t *testing.T) {
	env := setupTestServer(t)

	// "root" is allowlisted for the admin role; "mallory" is not.
	rec := env.do(t, http.MethodPost, "/rewardToken", userToken(t, "root", "admin"), `{"tokenId":"TKN"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowlisted admin: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/rewardToken", userToken(t, "mallory", "admin"), `{"tokenId":"TKN"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-allowlisted admin claim: expected 401, got %d", rec.Code)
	}
}

func TestRecentEventsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodPost, "/rewardToken", testOpsToken, `{"tokenId":"TKN"}`)
	env.do(t, http.MethodPost, "/surveys", testOpsToken, `{"rewardAmount":"100"}`)

	rec := env.do(t, http.MethodGet, "/events/recent", userToken(t, "alice", "user"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []LedgerEvent
	decodeBody(t, rec, &events)
	if len(events) < 2 {
		t.Fatalf("expected token and survey events, got %d", len(events))
	}
	if events[0].Type != ledger.EventTypeRewardTokenSet {
		t.Fatalf("unexpected first event: %s", events[0].Type)
	}
}

func TestAuditTrailRecordsAdminActions(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodPost, "/rewardToken", testOpsToken, `{"tokenId":"TKN"}`)
	env.do(t, http.MethodPost, "/surveys", testOpsToken, `{"rewardAmount":"100"}`)

	rec := env.do(t, http.MethodGet, "/audit", testOpsToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []AuditLog
	decodeBody(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
}
