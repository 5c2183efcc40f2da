package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/auth"
	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/alexbotov/rifas/internal/config"
	"github.com/alexbotov/rifas/internal/control"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/draw"
	"github.com/alexbotov/rifas/internal/ledger"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/alexbotov/rifas/internal/testkit"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "admin@rifas.com"
	testPassword = "clave-segura"
)

type testServer struct {
	*httptest.Server
	hub   *broadcast.Hub
	store *raffle.Store
	token string
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	db := testkit.OpenDB(t)
	store := raffle.New(db, "MXN")
	auditSvc := audit.New(db)
	hub := broadcast.NewHub(32)
	draws := draw.NewCoordinator(store, hub, auditSvc, nil, draw.DefaultWheel, draw.Timing{})

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	authSvc, err := auth.New(&config.AuthConfig{
		AdminEmail:        testEmail,
		AdminPasswordHash: string(hash),
		JWTSecret:         "api-test-secret",
		TokenExpiry:       time.Hour,
		MaxFailedAttempts: 5,
		LockoutDuration:   time.Minute,
	}, auditSvc)
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}

	h := New(Services{
		Auth:      authSvc,
		Raffles:   store,
		Ledger:    ledger.New(store, auditSvc),
		Control:   control.New(store, draws, auditSvc),
		Draws:     draws,
		Hub:       hub,
		Audit:     auditSvc,
		RNG:       rng.New(),
		DB:        db,
		Broadcast: config.BroadcastConfig{SubscriberBuffer: 32, WriteTimeout: time.Second, PingInterval: time.Minute},
	})

	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	ts := &testServer{Server: srv, hub: hub, store: store}
	ts.token = ts.login(t)
	return ts
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	status, env := ts.do(t, "POST", "/api/v1/auth/login", "", LoginRequest{Email: testEmail, Password: testPassword})
	if status != http.StatusOK {
		t.Fatalf("Expected login to succeed, got %d %+v", status, env.Error)
	}
	var result auth.LoginResponse
	json.Unmarshal(env.Data, &result)
	return result.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, *envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, &env
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) (int, *envelope) {
	t.Helper()
	return ts.do(t, method, "/api/v1/admin"+path, ts.token, body)
}

func (ts *testServer) createActive(t *testing.T, total, rounds int) *domain.Raffle {
	t.Helper()
	status, env := ts.admin(t, "POST", "/raffles", CreateRaffleRequest{
		RaffleInput: domain.RaffleInput{
			Name:         "Moto Italika",
			TicketPrice:  domain.Money{Amount: 5000},
			TotalTickets: total,
			WinningRound: rounds,
		},
		Publish: true,
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201 creating raffle, got %d %+v", status, env.Error)
	}
	var r domain.Raffle
	json.Unmarshal(env.Data, &r)
	return &r
}

func (ts *testServer) reserve(t *testing.T, name string, tickets ...int) {
	t.Helper()
	status, env := ts.admin(t, "POST", "/participants", ledger.ReserveRequest{Name: name, Phone: "5551234", Tickets: tickets})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201 reserving %v, got %d %+v", tickets, status, env.Error)
	}
}

func expectError(t *testing.T, status int, env *envelope, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Errorf("Expected status %d, got %d", wantStatus, status)
	}
	if env.Success {
		t.Error("Expected success=false")
	}
	if env.Error == nil || env.Error.Code != wantCode {
		t.Errorf("Expected error code %s, got %+v", wantCode, env.Error)
	}
}

func TestServerInfoAndHealth(t *testing.T) {
	ts := setupTestServer(t)

	status, env := ts.do(t, "GET", "/", "", nil)
	if status != http.StatusOK || !env.Success {
		t.Errorf("Expected server info, got %d", status)
	}

	status, env = ts.do(t, "GET", "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var health map[string]any
	json.Unmarshal(env.Data, &health)
	if health["status"] != "healthy" || health["database"] != "ok" {
		t.Errorf("Unexpected health %v", health)
	}

	status, env = ts.do(t, "GET", "/missing", "", nil)
	expectError(t, status, env, http.StatusNotFound, "NOT_FOUND")
}

func TestLogin(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("WrongPassword", func(t *testing.T) {
		status, env := ts.do(t, "POST", "/api/v1/auth/login", "", LoginRequest{Email: testEmail, Password: "nope"})
		expectError(t, status, env, http.StatusUnauthorized, "INVALID_CREDENTIALS")
	})

	t.Run("MalformedBody", func(t *testing.T) {
		status, env := ts.do(t, "POST", "/api/v1/auth/login", "", "not an object")
		expectError(t, status, env, http.StatusBadRequest, "INVALID_REQUEST")
	})

	t.Run("AdminRequiresToken", func(t *testing.T) {
		status, env := ts.do(t, "GET", "/api/v1/admin/status", "", nil)
		expectError(t, status, env, http.StatusUnauthorized, "NO_TOKEN")

		status, env = ts.do(t, "GET", "/api/v1/admin/status", "forged.token.value", nil)
		expectError(t, status, env, http.StatusUnauthorized, "SESSION_EXPIRED")
	})
}

func TestRaffleLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("NoRaffleYet", func(t *testing.T) {
		status, env := ts.do(t, "GET", "/api/v1/raffle", "", nil)
		expectError(t, status, env, http.StatusNotFound, "NO_ACTIVE_RAFFLE")
	})

	var draftID string
	t.Run("CreateDraft", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/raffles", CreateRaffleRequest{
			RaffleInput: domain.RaffleInput{Name: "Pantalla", TotalTickets: 30, WinningRound: 2},
		})
		if status != http.StatusCreated {
			t.Fatalf("Expected 201, got %d %+v", status, env.Error)
		}
		var r domain.Raffle
		json.Unmarshal(env.Data, &r)
		if r.State != domain.RaffleDraft {
			t.Errorf("Expected draft, got %s", r.State)
		}
		draftID = r.ID
	})

	t.Run("InvalidRaffle", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/raffles", CreateRaffleRequest{
			RaffleInput: domain.RaffleInput{Name: "Sin boletos", TotalTickets: 0, WinningRound: 2},
		})
		expectError(t, status, env, http.StatusBadRequest, "INVALID_REQUEST")
	})

	t.Run("Publish", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/raffles/"+draftID+"/publish", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}

		status, env = ts.admin(t, "POST", "/raffles", CreateRaffleRequest{
			RaffleInput: domain.RaffleInput{Name: "Otra", TotalTickets: 10, WinningRound: 1},
			Publish:     true,
		})
		expectError(t, status, env, http.StatusConflict, "ALREADY_ACTIVE")
	})

	t.Run("PublicView", func(t *testing.T) {
		ts.reserve(t, "Ana", 3, 4)

		status, env := ts.do(t, "GET", "/api/v1/raffle", "", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var view RaffleView
		json.Unmarshal(env.Data, &view)
		if view.Raffle.ID != draftID {
			t.Errorf("Expected raffle %s, got %s", draftID, view.Raffle.ID)
		}
		if !reflect.DeepEqual(view.Taken, []int{3, 4}) {
			t.Errorf("Expected taken [3 4], got %v", view.Taken)
		}
		if view.Participants != 1 {
			t.Errorf("Expected 1 participant, got %d", view.Participants)
		}
	})

	t.Run("Patch", func(t *testing.T) {
		status, env := ts.admin(t, "PATCH", "/raffle", map[string]any{"descripcion": "55 pulgadas"})
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}
		var r domain.Raffle
		json.Unmarshal(env.Data, &r)
		if r.Description != "55 pulgadas" {
			t.Errorf("Expected description updated, got %q", r.Description)
		}

		status, env = ts.admin(t, "PATCH", "/raffle", map[string]any{"total_boletos": 2})
		expectError(t, status, env, http.StatusBadRequest, "INVALID_REQUEST")
	})

	t.Run("Status", func(t *testing.T) {
		status, env := ts.admin(t, "GET", "/status", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var st control.Status
		json.Unmarshal(env.Data, &st)
		if st.Sold != 2 {
			t.Errorf("Expected 2 sold, got %d", st.Sold)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/raffle/cancel", map[string]string{"motivo": "prueba"})
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}

		status, env = ts.admin(t, "GET", "/raffles", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var lists map[string][]domain.Raffle
		json.Unmarshal(env.Data, &lists)
		if len(lists["borradores"]) != 0 || len(lists["historial"]) != 1 {
			t.Errorf("Expected 0 drafts and 1 finished, got %d and %d", len(lists["borradores"]), len(lists["historial"]))
		}

		status, env = ts.admin(t, "POST", "/raffle/archive", nil)
		expectError(t, status, env, http.StatusNotFound, "NOTHING_TO_ARCHIVE")
	})
}

func TestReserveConflict(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("NoActiveRaffle", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/participants", ledger.ReserveRequest{Name: "Ana", Phone: "1", Tickets: []int{1}})
		expectError(t, status, env, http.StatusConflict, "RAFFLE_NOT_ACTIVE")
	})

	r := ts.createActive(t, 20, 3)
	ts.reserve(t, "Ana", 1, 2)

	t.Run("Conflict", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/participants", ledger.ReserveRequest{Name: "Luis", Phone: "2", Tickets: []int{2, 3}})
		expectError(t, status, env, http.StatusConflict, "TICKET_CONFLICT")
		if env.Error != nil && !reflect.DeepEqual(env.Error.Conflicting, []int{2}) {
			t.Errorf("Expected conflicting [2], got %v", env.Error.Conflicting)
		}
	})

	t.Run("NoPartialWrite", func(t *testing.T) {
		status, env := ts.do(t, "GET", "/api/v1/raffle/tickets", "", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var taken struct {
			RaffleID string `json:"rifa_id"`
			Tickets  []int  `json:"boletos"`
		}
		json.Unmarshal(env.Data, &taken)
		if taken.RaffleID != r.ID || !reflect.DeepEqual(taken.Tickets, []int{1, 2}) {
			t.Errorf("Expected [1 2] taken on %s, got %v on %s", r.ID, taken.Tickets, taken.RaffleID)
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/participants", ledger.ReserveRequest{Name: "Luis", Phone: "2", Tickets: []int{21}})
		expectError(t, status, env, http.StatusBadRequest, "INVALID_REQUEST")
	})

	t.Run("MarkPaid", func(t *testing.T) {
		status, env := ts.admin(t, "GET", "/participants", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var participants []domain.Participant
		json.Unmarshal(env.Data, &participants)
		if len(participants) != 1 {
			t.Fatalf("Expected 1 participant, got %d", len(participants))
		}

		status, env = ts.admin(t, "POST", "/participants/"+participants[0].ID+"/paid", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}
		var p domain.Participant
		json.Unmarshal(env.Data, &p)
		if p.PaymentState != domain.PaymentPaid {
			t.Errorf("Expected paid, got %s", p.PaymentState)
		}

		status, env = ts.admin(t, "POST", "/participants/missing/paid", nil)
		expectError(t, status, env, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestDrawFlow(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("StartWithoutRaffle", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/draw/start", nil)
		expectError(t, status, env, http.StatusNotFound, "NO_ACTIVE_RAFFLE")
	})

	ts.createActive(t, 50, 3)

	t.Run("StartWithoutTickets", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/draw/start", nil)
		expectError(t, status, env, http.StatusConflict, "NO_ELIGIBLE_TICKETS")
	})

	t.Run("AdvanceWithoutStart", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/draw/advance", nil)
		expectError(t, status, env, http.StatusConflict, "NO_DRAW_SESSION")
	})

	ts.reserve(t, "Ana", 5, 9)
	ts.reserve(t, "Luis", 12)
	ts.reserve(t, "Eva", 30, 41)

	status, env := ts.admin(t, "POST", "/draw/start", nil)
	if status != http.StatusCreated {
		t.Fatalf("Expected 201 starting draw, got %d %+v", status, env.Error)
	}
	var st draw.State
	json.Unmarshal(env.Data, &st)
	if st.Phase != draw.Idle || len(st.Remaining) != 5 || st.Seed == "" {
		t.Fatalf("Unexpected initial state %+v", st)
	}

	var outcomes []draw.Outcome
	for i := 0; i < 5; i++ {
		status, env := ts.admin(t, "POST", "/draw/advance", nil)
		if status != http.StatusOK {
			t.Fatalf("Advance %d: expected 200, got %d %+v", i+1, status, env.Error)
		}
		var out draw.Outcome
		json.Unmarshal(env.Data, &out)
		outcomes = append(outcomes, out)
		if out.Winner {
			break
		}
	}

	if len(outcomes) != 3 {
		t.Fatalf("Expected a winner on round 3, got %d rounds", len(outcomes))
	}
	winner := outcomes[2]
	if !winner.Persisted || winner.Round != 3 {
		t.Errorf("Expected persisted winner on round 3, got %+v", winner)
	}

	t.Run("AdvanceAfterWin", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/draw/advance", nil)
		expectError(t, status, env, http.StatusConflict, "ILLEGAL_TRANSITION")
	})

	t.Run("ViewerSeesWinner", func(t *testing.T) {
		status, env := ts.do(t, "GET", "/api/v1/raffle", "", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var view RaffleView
		json.Unmarshal(env.Data, &view)
		if view.Raffle.State != domain.RaffleFinalized {
			t.Errorf("Expected finalized raffle, got %s", view.Raffle.State)
		}
		if view.Raffle.WinningTicket == nil || *view.Raffle.WinningTicket != winner.Ticket {
			t.Errorf("Expected winning ticket %d, got %v", winner.Ticket, view.Raffle.WinningTicket)
		}
		if view.Draw == nil || view.Draw.Phase != draw.Completed {
			t.Errorf("Expected completed draw in view, got %+v", view.Draw)
		}
	})

	t.Run("DrawState", func(t *testing.T) {
		status, env := ts.admin(t, "GET", "/draw", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}
		var st draw.State
		json.Unmarshal(env.Data, &st)
		if len(st.Eliminated) != 2 || st.Winner == nil || *st.Winner != winner.Ticket {
			t.Errorf("Unexpected final state %+v", st)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		status, env := ts.admin(t, "GET", "/audit?type="+audit.EventTicketEliminated, nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		var events []domain.AuditEvent
		json.Unmarshal(env.Data, &events)
		if len(events) != 2 {
			t.Errorf("Expected 2 eliminations in audit, got %d", len(events))
		}

		status, env = ts.admin(t, "GET", "/audit?limit=zero", nil)
		expectError(t, status, env, http.StatusBadRequest, "INVALID_REQUEST")
	})

	t.Run("Archive", func(t *testing.T) {
		status, env := ts.admin(t, "POST", "/raffle/archive", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d %+v", status, env.Error)
		}
		var r domain.Raffle
		json.Unmarshal(env.Data, &r)
		if r.State != domain.RaffleArchived {
			t.Errorf("Expected archived, got %s", r.State)
		}
	})
}
