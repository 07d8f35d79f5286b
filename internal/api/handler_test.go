package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guess5-labs/escrow-engine/internal/lock"
	"github.com/guess5-labs/escrow-engine/internal/settle"
	"github.com/guess5-labs/escrow-engine/internal/store"
	"github.com/guess5-labs/escrow-engine/internal/verify"
)

func init() { gin.SetMode(gin.TestMode) }

// ── Mock settler ──────────────────────────────────────────────────────────────

type mockSettler struct {
	mu sync.Mutex

	registerErr error
	registered  []settle.MatchRegistration

	completedErr error
	completed    []string

	signReq *settle.SignRequest
	signErr error

	confirmStatus verify.Status
	confirmErr    error
	confirms      []string

	state    *settle.EscrowState
	stateErr error
}

func (m *mockSettler) Register(_ context.Context, reg settle.MatchRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, reg)
	return m.registerErr
}

func (m *mockSettler) OnMatchCompleted(_ context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, matchID)
	return m.completedErr
}

func (m *mockSettler) SignProposal(_ context.Context, matchID, wallet string) (*settle.SignRequest, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}
	if m.signReq != nil {
		return m.signReq, nil
	}
	return &settle.SignRequest{MatchID: matchID, Signer: wallet}, nil
}

func (m *mockSettler) ConfirmApproval(_ context.Context, matchID, wallet, _ string) (verify.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms = append(m.confirms, matchID+"/"+wallet)
	return m.confirmStatus, m.confirmErr
}

func (m *mockSettler) State(_ context.Context, matchID string) (*settle.EscrowState, error) {
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	if m.state != nil {
		return m.state, nil
	}
	return &settle.EscrowState{MatchID: matchID, Settlement: "pending"}, nil
}

func (m *mockSettler) confirmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.confirms)
}

func newTestEngine(ms *mockSettler) *gin.Engine {
	r := gin.New()
	NewHandler(ms, zap.NewNop()).Register(r.Group("/api"))
	return r
}

// ── POST /matches ─────────────────────────────────────────────────────────────

func TestHandleRegister_Created(t *testing.T) {
	ms := &mockSettler{}
	r := newTestEngine(ms)

	body := []byte(`{"matchId":"match-9","player1":"WaLLetA","player2":"WaLLetB","stake":100000000,"vaultAddress":"VauLt111"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(ms.registered) != 1 || ms.registered[0].MatchID != "match-9" {
		t.Errorf("registrations: %+v", ms.registered)
	}
}

func TestHandleRegister_MissingFields(t *testing.T) {
	ms := &mockSettler{}
	r := newTestEngine(ms)

	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewReader([]byte(`{"matchId":"match-9"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if len(ms.registered) != 0 {
		t.Error("incomplete registration reached the settler")
	}
}

func TestHandleRegister_Duplicate(t *testing.T) {
	ms := &mockSettler{registerErr: store.ErrMatchExists}
	r := newTestEngine(ms)

	body := []byte(`{"matchId":"match-9","player1":"WaLLetA","player2":"WaLLetB","stake":100000000,"vaultAddress":"VauLt111"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

// ── POST /matches/:id/completed ───────────────────────────────────────────────

func TestHandleCompleted_OK(t *testing.T) {
	ms := &mockSettler{}
	r := newTestEngine(ms)

	req := httptest.NewRequest(http.MethodPost, "/api/matches/match-9/completed", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(ms.completed) != 1 || ms.completed[0] != "match-9" {
		t.Errorf("OnMatchCompleted calls: %v", ms.completed)
	}
}

func TestHandleCompleted_NotFound(t *testing.T) {
	ms := &mockSettler{completedErr: store.ErrNotFound}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/matches/nope/completed", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleCompleted_Unresolved(t *testing.T) {
	ms := &mockSettler{completedErr: settle.ErrUnresolved}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/matches/match-9/completed", nil))

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestHandleCompleted_LockContended(t *testing.T) {
	ms := &mockSettler{completedErr: lock.ErrNotAcquired}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/matches/match-9/completed", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCompleted_InternalError(t *testing.T) {
	ms := &mockSettler{completedErr: errors.New("pg: connection refused")}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/matches/match-9/completed", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

// ── POST /matches/:id/sign ────────────────────────────────────────────────────

func TestHandleSign_ReturnsProposalAndVerifiesInBackground(t *testing.T) {
	ms := &mockSettler{
		signReq: &settle.SignRequest{
			MatchID:         "match-9",
			VaultAddress:    "VauLt111",
			ProposalAddress: "prop-abc",
			Signer:          "WaLLet111",
		},
		confirmStatus: verify.StatusConfirmed,
	}
	r := newTestEngine(ms)

	body := []byte(`{"wallet":"WaLLet111","txSignature":"sig-xyz"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/matches/match-9/sign", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got settle.SignRequest
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ProposalAddress != "prop-abc" {
		t.Errorf("ProposalAddress: got %q", got.ProposalAddress)
	}

	// The background confirmation fires after the response is written.
	deadline := time.After(2 * time.Second)
	for ms.confirmCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("background ConfirmApproval never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleSign_MissingWallet(t *testing.T) {
	ms := &mockSettler{}
	r := newTestEngine(ms)

	req := httptest.NewRequest(http.MethodPost, "/api/matches/match-9/sign", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if ms.confirmCount() != 0 {
		t.Error("verification spawned for a rejected request")
	}
}

func TestHandleSign_NotFound(t *testing.T) {
	ms := &mockSettler{signErr: store.ErrNotFound}
	r := newTestEngine(ms)

	body := []byte(`{"wallet":"WaLLet111"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/matches/nope/sign", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleSign_NonPlayerRejected(t *testing.T) {
	ms := &mockSettler{signErr: errors.New("wallet Attacker111 is not a player of match match-9")}
	r := newTestEngine(ms)

	body := []byte(`{"wallet":"Attacker111"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/matches/match-9/sign", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if ms.confirmCount() != 0 {
		t.Error("verification spawned for a rejected signer")
	}
}

func TestConfirmTimeout_OutlivesVerifierSchedule(t *testing.T) {
	if max := verify.DefaultConfig().MaxWait(); confirmTimeout <= max {
		t.Fatalf("confirmTimeout %v must exceed the verifier's worst case %v", confirmTimeout, max)
	}
}

// ── GET /matches/:id/escrow ───────────────────────────────────────────────────

func TestHandleEscrow_OK(t *testing.T) {
	ms := &mockSettler{state: &settle.EscrowState{
		MatchID:          "match-9",
		Settlement:       "complete",
		ProposalID:       "prop-abc",
		ProposalStatus:   store.StatusExecuted,
		Signers:          []string{"WaLLetA", "WaLLetB"},
		NeededSignatures: 0,
		TxSignature:      "tx-final",
	}}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/matches/match-9/escrow", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got settle.EscrowState
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Settlement != "complete" || got.TxSignature != "tx-final" {
		t.Errorf("unexpected state: %+v", got)
	}
}

func TestHandleEscrow_NotFound(t *testing.T) {
	ms := &mockSettler{stateErr: store.ErrNotFound}
	r := newTestEngine(ms)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/matches/nope/escrow", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
