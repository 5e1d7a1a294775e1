package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/journal"
)

func openJournal(t *testing.T) *journal.DB {
	t.Helper()
	d, err := journal.Open(filepath.Join(t.TempDir(), "warden.db"), 30)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSendWithoutConnectionSpools(t *testing.T) {
	jrnl := openJournal(t)
	c := New(Options{NodeID: "n1"}, jrnl, nil, zap.NewNop())

	c.Send(TypeTicketUpdate, map[string]string{"ticketId": "WT-000001"})

	pending, err := jrnl.PendingReports(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(pending[0].Envelope, &env))
	assert.Equal(t, TypeTicketUpdate, env.Type)
	assert.Equal(t, "n1", env.NodeID)
}

func TestConnectDrainsSpoolAndDispatchesControl(t *testing.T) {
	jrnl := openJournal(t)

	type received struct {
		mu   sync.Mutex
		envs []Envelope
	}
	var got received

	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn = conn
		// Push one control message, then read whatever arrives.
		ack := Envelope{Type: TypeAckSignature, SentAt: time.Now(),
			Payload: json.RawMessage(`{"signatureId":"abc"}`)}
		data, _ := json.Marshal(ack)
		conn.WriteMessage(websocket.TextMessage, data) //nolint:errcheck
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(msg, &env) == nil {
				got.mu.Lock()
				got.envs = append(got.envs, env)
				got.mu.Unlock()
			}
		}
	}))
	defer srv.Close()
	defer func() {
		if serverConn != nil {
			serverConn.Close()
		}
	}()

	// Spool a report while offline.
	offline := New(Options{NodeID: "n1"}, jrnl, nil, zap.NewNop())
	offline.Send(TypeEscalation, map[string]string{"signatureId": "abc"})

	handler := &recordingHandler{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Options{ServerURL: url, NodeID: "n1", ReconnectMin: 50 * time.Millisecond},
		jrnl, handler, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// The spooled escalation reaches the server on connect.
	require.Eventually(t, func() bool {
		got.mu.Lock()
		defer got.mu.Unlock()
		for _, e := range got.envs {
			if e.Type == TypeEscalation {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	// The queue is acknowledged empty.
	pending, err := jrnl.PendingReports(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The pushed control message reached the handler.
	require.Eventually(t, func() bool {
		return handler.count() == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, TypeAckSignature, handler.last().Type)

	// A live Send flows through the write pump.
	c.Send(TypeMetricReport, map[string]int{"cpu": 10})
	require.Eventually(t, func() bool {
		got.mu.Lock()
		defer got.mu.Unlock()
		for _, e := range got.envs {
			if e.Type == TypeMetricReport {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

type recordingHandler struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recordingHandler) HandleControl(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recordingHandler) last() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[len(r.envs)-1]
}
