package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"excursion-sync-service/internal/queue"
)

func testItem(id string) *queue.Item {
	return &queue.Item{
		ID:         id,
		Type:       queue.TypeAlert,
		Priority:   queue.PriorityCritical,
		EntityType: queue.EntityMissingAlert,
		EntityID:   "alert-1",
		Payload:    json.RawMessage(`{"studentIds":["stu-1"]}`),
		CreatedAt:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeliverSendsHeadersAndBody(t *testing.T) {
	var got struct {
		path, auth, tenant, key string
		body                    deliverBody
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.tenant = r.Header.Get(HeaderTenant)
		got.key = r.Header.Get(HeaderIdempotency)
		json.NewDecoder(r.Body).Decode(&got.body)
		w.Write([]byte(`{"serverId":"srv-1","serverVersion":4}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", WithTenant("school-9"), WithTokenProvider(StaticToken("tok")))
	res := c.Deliver(context.Background(), testItem("q-1"))

	if res.Outcome != Accepted || res.ServerID != "srv-1" || res.ServerVersion == nil || *res.ServerVersion != 4 {
		t.Fatalf("Unexpected result: %+v", res)
	}
	if got.path != "/sync/alert" {
		t.Errorf("Expected /sync/alert, got %s", got.path)
	}
	if got.auth != "Bearer tok" || got.tenant != "school-9" || got.key != "q-1" {
		t.Errorf("Unexpected headers: %+v", got)
	}
	if got.body.EntityID != "alert-1" || got.body.EntityType != "missing-alert" || !got.body.CreatedAt.Equal(testItem("").CreatedAt) {
		t.Errorf("Unexpected body: %+v", got.body)
	}
}

func TestDeliverClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Outcome
	}{
		{"created", http.StatusCreated, "", Accepted},
		{"conflict", http.StatusConflict, `{"serverVersion":{"status":"missing"},"conflictFields":["status"]}`, Conflicted},
		{"bad request", http.StatusBadRequest, `invalid`, Rejected},
		{"forbidden", http.StatusForbidden, ``, Rejected},
		{"unavailable", http.StatusServiceUnavailable, ``, Transient},
		{"bad gateway", http.StatusBadGateway, `upstream`, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewClient(srv.URL).Deliver(context.Background(), testItem("q-1"))
			if res.Outcome != tt.want {
				t.Fatalf("Outcome = %s, want %s (err=%v)", res.Outcome, tt.want, res.Err)
			}
			if tt.want == Conflicted {
				if res.Conflict == nil || len(res.Conflict.ConflictFields) != 1 || res.Conflict.ConflictFields[0] != "status" {
					t.Errorf("Unexpected conflict info: %+v", res.Conflict)
				}
			}
			if (tt.want == Rejected || tt.want == Transient) && res.Err == nil {
				t.Error("Expected an error for failed delivery")
			}
		})
	}
}

func TestDeliverNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := NewClient(url).Deliver(context.Background(), testItem("q-1"))
	if res.Outcome != Transient || res.Err == nil {
		t.Errorf("Expected transient failure, got %+v", res)
	}
}

func TestDeliverWithoutTokenFails(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", WithTokenProvider(StaticToken("")))
	res := c.Deliver(context.Background(), testItem("q-1"))
	if res.Outcome != Transient || !errors.Is(res.Err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %+v", res)
	}
}

// A server that dedupes on the idempotency key sees one effect for two sends.
func TestDeliverIsIdempotent(t *testing.T) {
	var (
		mu      sync.Mutex
		seen    = map[string]string{}
		effects int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := r.Header.Get(HeaderIdempotency)
		id, ok := seen[key]
		if !ok {
			effects++
			id = "srv-" + key
			seen[key] = id
		}
		json.NewEncoder(w).Encode(map[string]string{"serverId": id})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	item := testItem("q-dup")
	first := c.Deliver(context.Background(), item)
	second := c.Deliver(context.Background(), item)

	if effects != 1 {
		t.Errorf("Expected one server-side effect, got %d", effects)
	}
	if first.ServerID != second.ServerID {
		t.Errorf("Expected the same server id, got %s and %s", first.ServerID, second.ServerID)
	}
}

func TestFetchPreflightData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/excursions/exc-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Museum"}`))
	})
	mux.HandleFunc("/excursions/exc-1/students", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"stu-1","excursionId":"exc-1","name":"Ada","enrolled":true}]`))
	})
	mux.HandleFunc("/excursions/exc-1/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	exc, err := c.FetchExcursion(ctx, "exc-1")
	if err != nil || exc.ID != "exc-1" || exc.Name != "Museum" {
		t.Fatalf("FetchExcursion = %+v, %v", exc, err)
	}
	students, err := c.FetchStudents(ctx, "exc-1")
	if err != nil || len(students) != 1 || students[0].Name != "Ada" {
		t.Fatalf("FetchStudents = %+v, %v", students, err)
	}
	if _, err := c.FetchCheckpoints(ctx, "exc-1"); err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestHealthProber(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewHealthProber(NewClient(srv.URL), "/healthz")
	if err := p.Probe(context.Background()); err != nil {
		t.Errorf("Expected healthy probe, got %v", err)
	}
	healthy = false
	if err := p.Probe(context.Background()); err == nil {
		t.Error("Expected failed probe for 503")
	}
}

func TestFallbackSend(t *testing.T) {
	var body fallbackBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewFallback(srv.URL, time.Second)
	if err := f.Send(context.Background(), testItem("q-9")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if body.Type != FallbackAlertType || body.ItemID != "q-9" || string(body.Payload) != `{"studentIds":["stu-1"]}` {
		t.Errorf("Unexpected fallback body: %+v", body)
	}
}
