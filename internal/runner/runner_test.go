package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixelagents/internal/config"
	pxerrors "pixelagents/internal/errors"
	"pixelagents/internal/transcript"
)

// lineFeed is a LineReader fed by the test. Closing it ends input.
type lineFeed chan string

func (f lineFeed) Readline() (string, error) {
	line, ok := <-f
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type billyStub struct {
	mu      sync.Mutex
	asks    []AskRequest
	health  int
	status  int
	replies []AskResponse
	gate    chan struct{}
}

func (s *billyStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		code := s.health
		s.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.asks = append(s.asks, req)
		gate := s.gate
		status := s.status
		var reply AskResponse
		if len(s.replies) > 0 {
			reply, s.replies = s.replies[0], s.replies[1:]
		}
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	})
	return mux
}

func (s *billyStub) requests() []AskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AskRequest(nil), s.asks...)
}

type harness struct {
	t      *testing.T
	stub   *billyStub
	path   string
	feed   lineFeed
	out    *syncBuffer
	done   chan error
	cancel context.CancelFunc
}

func startRunner(t *testing.T, stub *billyStub) *harness {
	t.Helper()
	ts := httptest.NewServer(stub.handler())
	t.Cleanup(ts.Close)

	cfg, err := Config{
		TranscriptPath: filepath.Join(t.TempDir(), "sessions", "1.jsonl"),
		SessionID:      "session-1",
		Billy: config.BillyConfig{
			BaseURL:        ts.URL + "/",
			AskPath:        "ask",
			HealthPath:     "/health",
			RequestTimeout: 2 * time.Second,
		},
	}.Validate()
	require.NoError(t, err)

	h := &harness{
		t:    t,
		stub: stub,
		path: cfg.TranscriptPath,
		feed: make(lineFeed),
		out:  &syncBuffer{},
		done: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	r := New(cfg, NewClient(cfg.Billy, nil), h.feed, Options{
		Out:         h.out,
		HealthRetry: &pxerrors.RetryConfig{MaxAttempts: 0},
	})
	go func() { h.done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "Connected to Billy Runtime")
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) records() []transcript.Record {
	h.t.Helper()
	file, err := os.Open(h.path)
	require.NoError(h.t, err)
	defer file.Close()
	var out []transcript.Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		rec, ok := transcript.Decode(scanner.Bytes())
		require.True(h.t, ok, "undecodable line %q", scanner.Text())
		out = append(out, rec)
	}
	return out
}

func (h *harness) waitRecords(n int) []transcript.Record {
	h.t.Helper()
	var recs []transcript.Record
	require.Eventually(h.t, func() bool {
		recs = h.records()
		return len(recs) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return recs
}

func (h *harness) finish() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("runner did not stop")
		return nil
	}
}

func kinds(recs []transcript.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Subtype != "" {
			out = append(out, r.Subtype)
			continue
		}
		out = append(out, r.Type)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	billy := config.BillyConfig{BaseURL: "http://localhost:5001", AskPath: "/ask", HealthPath: "/health", RequestTimeout: time.Second}

	_, err := Config{SessionID: "s", Billy: billy}.Validate()
	require.ErrorIs(t, err, ErrMissingTranscript)
	_, err = Config{TranscriptPath: "/tmp/a.jsonl", Billy: billy}.Validate()
	require.ErrorIs(t, err, ErrMissingSession)

	short := billy
	short.RequestTimeout = 500 * time.Millisecond
	_, err = Config{TranscriptPath: "/tmp/a.jsonl", SessionID: "s", Billy: short}.Validate()
	require.ErrorIs(t, err, config.ErrInvalidTimeout)
}

func TestSessionWritesTurnRecords(t *testing.T) {
	stub := &billyStub{replies: []AskResponse{{
		Message:          "planning it\nstep two",
		ForemanMode:      "plan",
		ApprovalRequired: true,
	}}}
	h := startRunner(t, stub)

	recs := h.records()
	require.Len(t, recs, 1)
	id, ok := recs[0].Identity()
	require.True(t, ok)
	require.Equal(t, "billy", id.AgentID)
	require.Equal(t, "primary", id.Role)
	require.Nil(t, id.ParentAgentID)

	h.feed <- "  build the thing  "
	recs = h.waitRecords(6)
	require.Equal(t, []string{
		transcript.SubtypeAgentIdentity,
		transcript.TypeUser,
		transcript.TypeAssistant,
		transcript.SubtypeMode,
		transcript.SubtypeApprovalRequired,
		transcript.SubtypeTurnDuration,
	}, kinds(recs))
	require.Equal(t, "build the thing", recs[1].Message.Content.Text)
	require.Equal(t, "planning it\nstep two", recs[2].Message.Content.Text)
	require.Equal(t, "plan", recs[3].Mode)
	require.GreaterOrEqual(t, recs[5].Ms, float64(0))

	require.Equal(t, []AskRequest{{Prompt: "build the thing", SessionID: "session-1"}}, stub.requests())
	require.Contains(t, h.out.String(), "billy> planning it\n      step two\n")

	h.feed <- "exit"
	require.NoError(t, h.finish())
	require.Contains(t, h.out.String(), "Session closed.")
}

func TestEmptyReplyAndUnknownMode(t *testing.T) {
	stub := &billyStub{replies: []AskResponse{{Message: "   ", ForemanMode: "dance"}}}
	h := startRunner(t, stub)

	h.feed <- "hello"
	recs := h.waitRecords(4)
	require.Equal(t, []string{
		transcript.SubtypeAgentIdentity,
		transcript.TypeUser,
		transcript.TypeAssistant,
		transcript.SubtypeTurnDuration,
	}, kinds(recs))
	require.Equal(t, noMessageText, recs[2].Message.Content.Text)

	close(h.feed)
	require.NoError(t, h.finish())
}

func TestFailedAskWritesFallback(t *testing.T) {
	stub := &billyStub{status: http.StatusInternalServerError}
	h := startRunner(t, stub)

	h.feed <- "hello"
	recs := h.waitRecords(4)
	require.Equal(t, transcript.TypeAssistant, recs[2].Type)
	require.Contains(t, recs[2].Message.Content.Text, "Billy Runtime request failed: Billy Runtime returned HTTP 500")
	require.Equal(t, transcript.SubtypeTurnDuration, recs[3].Subtype)

	h.feed <- "QUIT"
	require.NoError(t, h.finish())
}

func TestBlankLinesAreIgnored(t *testing.T) {
	h := startRunner(t, &billyStub{})
	h.feed <- "   "
	h.feed <- "exit"
	require.NoError(t, h.finish())
	require.Len(t, h.records(), 1)
	require.Empty(t, h.stub.requests())
}

func TestOnePromptInFlight(t *testing.T) {
	gate := make(chan struct{})
	stub := &billyStub{gate: gate, replies: []AskResponse{{Message: "done"}}}
	h := startRunner(t, stub)

	h.feed <- "first"
	require.Eventually(t, func() bool { return len(stub.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.feed <- "second"
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "Still processing the previous prompt...")
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	h.waitRecords(4)

	h.feed <- "exit"
	require.NoError(t, h.finish())
	require.Len(t, stub.requests(), 1)
	require.Len(t, h.records(), 4)
}

func TestHealthWarnings(t *testing.T) {
	h := startRunner(t, &billyStub{health: http.StatusServiceUnavailable})
	require.Contains(t, h.out.String(), "Warning: health check failed (503).")
	h.cancel()
	require.ErrorIs(t, h.finish(), context.Canceled)
}

func TestHealthUnreachable(t *testing.T) {
	cfg, err := Config{
		TranscriptPath: filepath.Join(t.TempDir(), "1.jsonl"),
		SessionID:      "s",
		Billy: config.BillyConfig{
			BaseURL:        "http://127.0.0.1:1",
			AskPath:        "/ask",
			HealthPath:     "/health",
			RequestTimeout: time.Second,
		},
	}.Validate()
	require.NoError(t, err)

	out := &syncBuffer{}
	feed := make(lineFeed)
	close(feed)
	r := New(cfg, NewClient(cfg.Billy, nil), feed, Options{
		Out:         out,
		HealthRetry: &pxerrors.RetryConfig{MaxAttempts: 0},
	})
	require.NoError(t, r.Run(context.Background()))
	require.Contains(t, out.String(), "Continuing in offline-retry mode.")
}

func TestScannerReadsLines(t *testing.T) {
	s := NewScanner(strings.NewReader("one\ntwo"))
	line, err := s.Readline()
	require.NoError(t, err)
	require.Equal(t, "one", line)
	line, err = s.Readline()
	require.NoError(t, err)
	require.Equal(t, "two", line)
	_, err = s.Readline()
	require.ErrorIs(t, err, io.EOF)
}
