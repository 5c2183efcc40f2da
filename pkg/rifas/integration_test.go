package rifas_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexbotov/rifas/internal/api"
	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/auth"
	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/alexbotov/rifas/internal/config"
	"github.com/alexbotov/rifas/internal/control"
	"github.com/alexbotov/rifas/internal/draw"
	"github.com/alexbotov/rifas/internal/ledger"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/alexbotov/rifas/internal/testkit"
	"github.com/alexbotov/rifas/pkg/rifas"
)

const (
	adminEmail    = "admin@rifas.com"
	adminPassword = "clave-segura"
)

// newTestServer runs the whole server stack over a fresh database
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db := testkit.OpenDB(t)
	store := raffle.New(db, "MXN")
	auditSvc := audit.New(db)
	hub := broadcast.NewHub(64)
	draws := draw.NewCoordinator(store, hub, auditSvc, nil, draw.DefaultWheel, draw.Timing{})

	authSvc, err := auth.New(&config.AuthConfig{
		AdminEmail:        adminEmail,
		AdminPassword:     adminPassword,
		JWTSecret:         "integration-secret",
		TokenExpiry:       time.Hour,
		MaxFailedAttempts: 5,
		LockoutDuration:   time.Minute,
	}, auditSvc)
	if err != nil {
		t.Fatalf("Failed to create auth service: %v", err)
	}

	handler := api.New(api.Services{
		Auth:      authSvc,
		Raffles:   store,
		Ledger:    ledger.New(store, auditSvc),
		Control:   control.New(store, draws, auditSvc),
		Draws:     draws,
		Hub:       hub,
		Audit:     auditSvc,
		RNG:       rng.New(),
		DB:        db,
		Broadcast: config.BroadcastConfig{SubscriberBuffer: 64, WriteTimeout: time.Second, PingInterval: time.Minute},
	})

	server := httptest.NewServer(handler.SetupRouter())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return server
}

func TestRaffleEndToEnd(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	client := rifas.NewClient(&rifas.ClientConfig{BaseURL: server.URL, Timeout: 10 * time.Second})

	if _, err := client.Raffle(ctx); err == nil {
		t.Fatal("Expected no raffle before creation")
	}

	if _, err := client.Login(ctx, adminEmail, adminPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	created, err := client.CreateRaffle(ctx, &rifas.CreateRaffleRequest{
		Name:         "Moto Italika",
		Description:  "Rifa de fin de año",
		TicketPrice:  rifas.Money{Amount: 5000, Currency: "MXN"},
		TotalTickets: 20,
		WinningRound: 2,
		Publish:      true,
	})
	if err != nil {
		t.Fatalf("CreateRaffle failed: %v", err)
	}
	if created.State != rifas.StateActive {
		t.Fatalf("Expected active raffle, got %s", created.State)
	}

	t.Run("ConcurrentReservations", func(t *testing.T) {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := client.Reserve(ctx, &rifas.ReserveRequest{
					Name:    "Comprador",
					Phone:   "555000",
					Tickets: []int{11 + i, 5},
				})

				mu.Lock()
				defer mu.Unlock()
				var apiErr *rifas.APIError
				switch {
				case err == nil:
					successes++
				case errors.As(err, &apiErr) && apiErr.Code == rifas.ErrTicketConflict:
					conflicts++
					if len(apiErr.Conflicting) != 1 || apiErr.Conflicting[0] != 5 {
						t.Errorf("Expected conflicting [5], got %v", apiErr.Conflicting)
					}
				default:
					t.Errorf("Unexpected reservation error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if successes != 1 || conflicts != 7 {
			t.Errorf("Expected 1 success and 7 conflicts, got %d and %d", successes, conflicts)
		}
	})

	for _, req := range []*rifas.ReserveRequest{
		{Name: "Ana", Phone: "5550001", Tickets: []int{1}},
		{Name: "Luis", Phone: "5550002", Tickets: []int{2}},
	} {
		if _, err := client.Reserve(ctx, req); err != nil {
			t.Fatalf("Reserve %s failed: %v", req.Name, err)
		}
	}

	taken, err := client.TakenTickets(ctx)
	if err != nil {
		t.Fatalf("TakenTickets failed: %v", err)
	}
	if len(taken.Tickets) != 4 {
		t.Fatalf("Expected 4 sold tickets, got %v", taken.Tickets)
	}
	participants, err := client.Participants(ctx)
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	if len(participants) != 3 {
		t.Errorf("Expected 3 participants, got %d", len(participants))
	}

	viewer := rifas.NewViewer(rifas.NewClient(&rifas.ClientConfig{BaseURL: server.URL}), 50*time.Millisecond)
	vctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go viewer.Run(vctx)

	if _, err := client.StartDraw(ctx); err != nil {
		t.Fatalf("StartDraw failed: %v", err)
	}

	var final *rifas.Outcome
	for round := 1; round <= 2; round++ {
		out, err := client.Advance(ctx)
		if err != nil {
			t.Fatalf("Advance %d failed: %v", round, err)
		}
		if out.Round != round {
			t.Errorf("Expected round %d, got %d", round, out.Round)
		}
		final = out
	}
	if !final.Winner || !final.Persisted {
		t.Fatalf("Expected a persisted winner on round 2, got %+v", final)
	}

	if _, err := client.Advance(ctx); err == nil {
		t.Error("Expected advance after the winner to fail")
	}

	view, err := client.Raffle(ctx)
	if err != nil {
		t.Fatalf("Raffle failed: %v", err)
	}
	if view.Raffle.State != rifas.StateFinalized {
		t.Errorf("Expected finalized raffle, got %s", view.Raffle.State)
	}
	if view.Raffle.WinningTicket == nil || *view.Raffle.WinningTicket != final.Ticket {
		t.Errorf("Expected winning ticket %d, got %v", final.Ticket, view.Raffle.WinningTicket)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := viewer.State()
		if st.Raffle != nil && st.Raffle.State == rifas.StateFinalized && st.Winner != nil {
			if st.Winner.Ticket != final.Ticket {
				t.Errorf("Viewer shows winner %d, expected %d", st.Winner.Ticket, final.Ticket)
			}
			if len(st.Slices) != 0 {
				t.Errorf("Expected draw state cleared once finalized, got %v", st.Slices)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Viewer never converged, state %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}

	archived, err := client.ArchiveRaffle(ctx)
	if err != nil {
		t.Fatalf("ArchiveRaffle failed: %v", err)
	}
	if archived.State != rifas.StateArchived {
		t.Errorf("Expected archived raffle, got %s", archived.State)
	}
}

func TestCancelActiveRaffle(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	client := rifas.NewClient(&rifas.ClientConfig{BaseURL: server.URL})

	if _, err := client.Reserve(ctx, &rifas.ReserveRequest{Name: "Ana", Tickets: []int{1}}); err == nil {
		t.Fatal("Expected reserve without a token to fail")
	}

	if _, err := client.Login(ctx, adminEmail, adminPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := client.CreateRaffle(ctx, &rifas.CreateRaffleRequest{
		Name:         "Pantalla",
		TicketPrice:  rifas.Money{Amount: 10000, Currency: "MXN"},
		TotalTickets: 10,
		WinningRound: 1,
		Publish:      true,
	}); err != nil {
		t.Fatalf("CreateRaffle failed: %v", err)
	}

	cancelled, err := client.CancelRaffle(ctx, "sin ventas")
	if err != nil {
		t.Fatalf("CancelRaffle failed: %v", err)
	}
	if cancelled.State != rifas.StateCancelled {
		t.Errorf("Expected cancelled raffle, got %s", cancelled.State)
	}

	_, err = client.Reserve(ctx, &rifas.ReserveRequest{Name: "Ana", Phone: "5550001", Tickets: []int{1}})
	var apiErr *rifas.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != rifas.ErrRaffleNotActive {
		t.Errorf("Expected %s, got %v", rifas.ErrRaffleNotActive, err)
	}
}
