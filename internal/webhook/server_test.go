package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/edgesync/internal/ledger"
	"github.com/dokzlo13/edgesync/internal/reconcile"
	"github.com/dokzlo13/edgesync/internal/trigger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []trigger.Notification
	snap reconcile.Snapshot
}

func (f *fakeSubmitter) Submit(n trigger.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
}

func (f *fakeSubmitter) Status() reconcile.Snapshot { return f.snap }

type fakeHistory struct {
	entries []*ledger.Entry
	err     error
	limit   int
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]*ledger.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

const rangesURL = "https://ip-ranges.amazonaws.com/ip-ranges.json"

func newTestServer(opts Options, history History) (*Server, *fakeSubmitter) {
	sub := &fakeSubmitter{snap: reconcile.Snapshot{Running: true}}
	return NewServer(opts, trigger.NewParser([]string{"ip-ranges.amazonaws.com"}), sub, sub, history), sub
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNotify_RawMessage(t *testing.T) {
	s, sub := newTestServer(Options{}, nil)

	w := do(s, http.MethodPost, "/notify", `{"url":"`+rangesURL+`","md5":"abc"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []trigger.Notification{{URL: rangesURL, Checksum: "abc"}}, sub.got)
}

func TestNotify_SNSEnvelope(t *testing.T) {
	s, sub := newTestServer(Options{}, nil)

	env, err := json.Marshal(trigger.Envelope{
		Type:    trigger.TypeNotification,
		Message: `{"url":"` + rangesURL + `","md5":"abc"}`,
	})
	require.NoError(t, err)

	w := do(s, http.MethodPost, "/notify", string(env))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, sub.got, 1)
}

func TestNotify_Rejects(t *testing.T) {
	s, sub := newTestServer(Options{MaxBodyBytes: 128}, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", "hello", http.StatusBadRequest},
		{"host not allowed", `{"url":"https://evil.example.com/x.json","md5":"abc"}`, http.StatusBadRequest},
		{"too large", `{"url":"` + strings.Repeat("a", 200) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/notify", tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}
	assert.Empty(t, sub.got)
}

func TestNotify_SubscriptionConfirmation(t *testing.T) {
	var hits int
	sns := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer sns.Close()

	env, err := json.Marshal(trigger.Envelope{
		Type:         trigger.TypeSubscriptionConfirmation,
		TopicArn:     "arn:aws:sns:us-east-1:806199016981:AmazonIpSpaceChanged",
		SubscribeURL: sns.URL + "/?Action=ConfirmSubscription",
	})
	require.NoError(t, err)

	disabled, _ := newTestServer(Options{}, nil)
	w := do(disabled, http.MethodPost, "/notify", string(env))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, hits)

	enabled, sub := newTestServer(Options{ConfirmSubscriptions: true, HTTPClient: sns.Client()}, nil)
	w = do(enabled, http.MethodPost, "/notify", string(env))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "confirmed")
	assert.Equal(t, 1, hits)
	assert.Empty(t, sub.got)
}

func TestHealthAndReady(t *testing.T) {
	s, sub := newTestServer(Options{}, nil)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", "").Code)

	sub.snap.Running = false
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/ready", "").Code)
}

func TestRuns(t *testing.T) {
	history := &fakeHistory{entries: []*ledger.Entry{{RunID: "run-1", EventType: ledger.EventRunSucceeded}}}
	s, _ := newTestServer(Options{}, history)

	w := do(s, http.MethodGet, "/runs?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, history.limit)

	var body struct {
		Runs []ledger.Entry `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].RunID)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/runs?limit=zero", "").Code)

	do(s, http.MethodGet, "/runs?limit=100000", "")
	assert.Equal(t, maxRunsLimit, history.limit)

	history.err = errors.New("db locked")
	assert.Equal(t, http.StatusInternalServerError, do(s, http.MethodGet, "/runs", "").Code)

	noLedger, _ := newTestServer(Options{}, nil)
	assert.Equal(t, http.StatusNotFound, do(noLedger, http.MethodGet, "/runs", "").Code)
}
