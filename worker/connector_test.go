package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remiges-tech/loom/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulationConnector(t *testing.T) {
	t.Run("runs all steps and reports progress", func(t *testing.T) {
		conn := &SimulationConnector{ServiceName: "llm", Steps: 4, StepDuration: time.Millisecond}
		var reports []jobs.ProgressEntry
		result, err := conn.Execute(context.Background(), &jobs.Job{ID: "j1"}, func(e jobs.ProgressEntry) {
			reports = append(reports, e)
		})
		require.NoError(t, err)

		require.Len(t, reports, 4)
		assert.Equal(t, 25.0, reports[0].Percent)
		assert.Equal(t, 100.0, reports[3].Percent)
		assert.Equal(t, 4, reports[3].TotalSteps)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(result, &doc))
		assert.Equal(t, true, doc["simulated"])
		assert.Equal(t, 4.0, doc["steps"])
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		conn := &SimulationConnector{ServiceName: "llm", Steps: 1000, StepDuration: 10 * time.Millisecond}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(25 * time.Millisecond)
			cancel()
		}()
		_, err := conn.Execute(ctx, &jobs.Job{ID: "j1"}, func(jobs.ProgressEntry) {})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRESTConnector(t *testing.T) {
	newServer := func(status int, body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(status)
			w.Write([]byte(body))
		}))
	}

	t.Run("successful execution returns the response body", func(t *testing.T) {
		srv := newServer(http.StatusOK, `{"text":"hello"}`)
		defer srv.Close()

		conn := NewRESTConnector("llm", srv.URL)
		require.NoError(t, conn.Probe(context.Background()))

		result, err := conn.Execute(context.Background(),
			&jobs.Job{ID: "j1", Payload: json.RawMessage(`{"prompt":"hi"}`)},
			func(jobs.ProgressEntry) {})
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hello"}`, string(result))
	})

	t.Run("non-json responses are wrapped", func(t *testing.T) {
		srv := newServer(http.StatusOK, "plain text")
		defer srv.Close()

		conn := NewRESTConnector("llm", srv.URL)
		result, err := conn.Execute(context.Background(), &jobs.Job{ID: "j1"}, func(jobs.ProgressEntry) {})
		require.NoError(t, err)
		assert.JSONEq(t, `{"raw":"plain text"}`, string(result))
	})

	t.Run("status codes classify the failure", func(t *testing.T) {
		cases := []struct {
			status int
			want   jobs.FailureKind
		}{
			{http.StatusTooManyRequests, jobs.FailRateLimit},
			{http.StatusServiceUnavailable, jobs.FailResourceExhaustion},
			{http.StatusBadRequest, jobs.FailMalformedJob},
			{http.StatusForbidden, jobs.FailSafetyRefusal},
			{http.StatusInternalServerError, jobs.FailTransientNetwork},
		}
		for _, tc := range cases {
			srv := newServer(tc.status, "nope")
			conn := NewRESTConnector("llm", srv.URL)
			_, err := conn.Execute(context.Background(), &jobs.Job{ID: "j1"}, func(jobs.ProgressEntry) {})
			require.Error(t, err)
			assert.Equal(t, tc.want, jobs.Classify(err), "status %d", tc.status)
			srv.Close()
		}
	})

	t.Run("unreachable backend is transient", func(t *testing.T) {
		conn := NewRESTConnector("llm", "http://127.0.0.1:1")
		conn.Client = &http.Client{Timeout: time.Second}
		_, err := conn.Execute(context.Background(), &jobs.Job{ID: "j1"}, func(jobs.ProgressEntry) {})
		require.Error(t, err)
		assert.Equal(t, jobs.FailTransientNetwork, jobs.Classify(err))
	})
}
