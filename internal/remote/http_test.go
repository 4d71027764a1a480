package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lubetrack/lubesync/internal/model"
)

func testClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return client
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPClient(HTTPConfig{}); err == nil {
		t.Error("NewHTTPClient accepted an empty base URL")
	}
}

func TestApplyMutation(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	err := client.ApplyMutation(context.Background(), "task", "update", []byte(`{"id":"t-1"}`))
	if err != nil {
		t.Fatalf("ApplyMutation failed: %v", err)
	}
	if gotPath != "/v1/tasks/update" {
		t.Errorf("path = %s, want /v1/tasks/update", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if string(gotBody) != `{"id":"t-1"}` {
		t.Errorf("body = %s, want payload forwarded", gotBody)
	}
}

func TestApplyMutationGone(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	err := client.ApplyMutation(context.Background(), "task", "update", []byte(`{}`))
	if !errors.Is(err, ErrGone) {
		t.Errorf("err = %v, want ErrGone", err)
	}
}

func TestApplyMutationServerError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})

	err := client.ApplyMutation(context.Background(), "task", "create", []byte(`{}`))
	if !errors.Is(err, ErrApplyFailed) {
		t.Errorf("err = %v, want ErrApplyFailed", err)
	}
}

func TestFetchWorkOrder(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/work-orders/wo-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(WorkOrderSnapshot{
			WorkOrder: &model.WorkOrder{ID: "wo-1", ScheduledDate: "2026-08-29", Status: "open"},
			Tasks: []*model.LocalTask{
				{ID: "t-1", WorkOrderID: "wo-1", PointID: "pt-1", Status: model.TaskNotStarted},
			},
		})
	})

	snap, err := client.FetchWorkOrder(context.Background(), "wo-1")
	if err != nil {
		t.Fatalf("FetchWorkOrder failed: %v", err)
	}
	if snap.WorkOrder.ID != "wo-1" || len(snap.Tasks) != 1 {
		t.Errorf("snapshot = %+v, want wo-1 with one task", snap)
	}
}

func TestFetchWorkOrderGone(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := client.FetchWorkOrder(context.Background(), "wo-deleted")
	if !errors.Is(err, ErrGone) {
		t.Errorf("err = %v, want ErrGone", err)
	}
}

func TestFetchWorkOrderMalformedResponse(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tasks": []}`)) // no work_order
	})

	_, err := client.FetchWorkOrder(context.Background(), "wo-1")
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("err = %v, want ErrFetchFailed", err)
	}
}
