package database

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type profileRow struct {
	ID       string `json:"id,omitempty"`
	PiUserID string `json:"pi_user_id"`
	Username string `json:"username"`
}

func newTestRepository(t *testing.T, handler http.Handler) (*Repository, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	repo, err := NewRepository(Config{URL: srv.URL, ServiceKey: "service-key"})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return repo, srv
}

func TestQueryBuilder(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "eq with order and limit",
			query: NewQuery().Eq("status", "approved").OrderDesc("created_at").Limit(50).Build(),
			want:  "status=eq.approved&order=created_at.desc&limit=50",
		},
		{
			name:  "or over two columns",
			query: NewQuery().Or(Cond("pi_user_id", "eq", "uid-1"), Cond("username", "eq", "alice")).Limit(1).Build(),
			want:  "or=(pi_user_id.eq.uid-1,username.eq.alice)&limit=1",
		},
		{
			name:  "conflict target",
			query: NewQuery().OnConflict("pi_user_id").Build(),
			want:  "on_conflict=pi_user_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.query != tt.want {
				t.Errorf("query = %q, want %q", tt.query, tt.want)
			}
		})
	}
}

func TestGenericCreateAdoptsServerRow(t *testing.T) {
	repo, _ := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/profiles" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("apikey"); got != "service-key" {
			t.Errorf("apikey = %q", got)
		}
		var in profileRow
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		in.ID = "generated-id"
		json.NewEncoder(w).Encode([]profileRow{in})
	}))

	rec := profileRow{PiUserID: "uid-1", Username: "alice"}
	err := GenericCreate(repo, context.Background(), "profiles", &rec, func(rows []profileRow) {
		if len(rows) > 0 {
			rec = rows[0]
		}
	})
	if err != nil {
		t.Fatalf("GenericCreate: %v", err)
	}
	if rec.ID != "generated-id" {
		t.Errorf("ID = %q, want server-assigned id", rec.ID)
	}
}

func TestGenericUpsertSetsConflictTarget(t *testing.T) {
	repo, _ := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("on_conflict"); got != "pi_user_id" {
			t.Errorf("on_conflict = %q", got)
		}
		if got := r.Header.Get("Prefer"); got != "resolution=merge-duplicates,return=representation" {
			t.Errorf("Prefer = %q", got)
		}
		w.Write([]byte(`[{"id":"row-1","pi_user_id":"uid-1","username":"alice"}]`))
	}))

	rec := profileRow{PiUserID: "uid-1", Username: "alice"}
	err := GenericUpsert(repo, context.Background(), "profiles", "pi_user_id", &rec, func(rows []profileRow) {
		if len(rows) > 0 {
			rec = rows[0]
		}
	})
	if err != nil {
		t.Fatalf("GenericUpsert: %v", err)
	}
	if rec.ID != "row-1" {
		t.Errorf("ID = %q", rec.ID)
	}
}

func TestGenericGetByFieldNotFound(t *testing.T) {
	repo, _ := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	row, err := GenericGetByField[profileRow](repo, context.Background(), "profiles", "pi_user_id", "missing")
	if err != nil {
		t.Fatalf("GenericGetByField: %v", err)
	}
	if row != nil {
		t.Errorf("row = %+v, want nil for no match", row)
	}
}

func TestRequestErrorIncludesStatusAndBody(t *testing.T) {
	repo, _ := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	}))

	var rec profileRow
	err := GenericCreate(repo, context.Background(), "profiles", &rec, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false, want true", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Error("nil error must not be a unique violation")
	}
	if IsUniqueViolation(errors.New("supabase API error 500: boom")) {
		t.Error("unrelated error must not be a unique violation")
	}
}
