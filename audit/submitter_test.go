package audit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/stretchr/testify/require"
)

type captured struct {
	auth string
	body map[string]json.RawMessage
}

func TestHTTPSubmitter(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	requests := make(chan captured, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{auth: r.Header.Get("Authorization")}
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		requests <- c
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := audit.NewHTTPSubmitter(srv.Client(), srv.URL+"/audit/events", func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer t")
		return nil
	})

	batch := audit.Batch{ID: "01HZX", Events: []audit.Event{audit.NewEvent(nil, time.Now(), audit.Event{Action: audit.ActionRead})}}
	require.NoError(t, s.Submit(context.Background(), batch))

	got := <-requests
	require.Equal(t, "Bearer t", got.auth)
	require.JSONEq(t, `"01HZX"`, string(got.body["batchId"]))
	require.Contains(t, got.body, "events")

	status.Store(http.StatusServiceUnavailable)
	require.Error(t, s.Submit(context.Background(), batch))
}
