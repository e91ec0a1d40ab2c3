package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mulgadc/mqless/internal/awsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires a Server against a fake Lambda endpoint driven by
// respond, which inspects the decoded outbound envelope and returns the
// raw bytes (plus status, plus whether to set X-Amz-Function-Error) the
// fake Lambda should answer with.
func newTestServer(t *testing.T, respond func(env map[string]any) (status int, body []byte, functionError bool)) (*Server, context.Context, context.CancelFunc) {
	t.Helper()

	lambda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		status, body, functionError := respond(env)
		if functionError {
			w.Header().Set("X-Amz-Function-Error", "Unhandled")
		}
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(lambda.Close)

	aws := awsclient.New(awsclient.Config{
		Region:    "us-east-1",
		AccessKey: "AKIAFAKE",
		Secret:    "fakefakefakefakefakefakefakefakefakefake",
		Endpoint:  lambda.URL,
	})

	srv := NewServer(aws, "http://127.0.0.1:34543")
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	return srv, ctx, cancel
}

func TestBroker_DirectReply(t *testing.T) {
	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		assert.Equal(t, "greet", env["subject"])
		return 200, []byte(`{"subject":"greeting","body":{"text":"hello"}}`), false
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	status, body, err := srv.Submit(ctx, "worker", "1", "greet", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	var reply replyEnvelope
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, "worker/1", reply.From)
	assert.Equal(t, "greeting", reply.Subject)
	assert.JSONEq(t, `{"text":"hello"}`, string(reply.Body))
}

func TestBroker_FIFOOrderingPerAddress(t *testing.T) {
	var seen []string
	release := make(chan struct{})
	first := true

	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		subject, _ := env["subject"].(string)
		seen = append(seen, subject)
		if first {
			first = false
			<-release // hold the first invocation in flight
		}
		return 200, []byte(`{"subject":"done"}`), false
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	go func() {
		_, _, _ = srv.Submit(ctx, "worker", "1", "m1", nil)
	}()
	time.Sleep(50 * time.Millisecond) // let m1 become in-flight and hold

	go func() {
		_, _, _ = srv.Submit(ctx, "worker", "1", "m2", nil)
	}()
	time.Sleep(50 * time.Millisecond)

	close(release)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"m1", "m2"}, seen)
}

func TestBroker_ForwardToAnotherMailbox(t *testing.T) {
	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		addr, _ := env["address"].(string)
		if addr == "orders/1" {
			return 200, []byte(`{"forward":{"to":"billing/7","subject":"charge"}}`), false
		}
		return 200, []byte(`{"subject":"charged"}`), false
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	status, body, err := srv.Submit(ctx, "orders", "1", "place", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	var reply replyEnvelope
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, "billing/7", reply.From)
	assert.Equal(t, "charged", reply.Subject)
}

func TestBroker_FanOutSendDoesNotReplyToCaller(t *testing.T) {
	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		addr, _ := env["address"].(string)
		if addr == "fanner/1" {
			return 200, []byte(`{"send":[{"to":"a/1","subject":"x"},{"to":"b/1","subject":"y"}]}`), false
		}
		return 200, []byte(`{"subject":"handled"}`), false
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer done()

	_, _, err := srv.Submit(ctx, "fanner", "1", "go", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_FunctionErrorReturns500ToCaller(t *testing.T) {
	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		return 200, []byte(`{"errorMessage":"panic"}`), true
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	status, _, err := srv.Submit(ctx, "worker", "1", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 500, status)
}

func TestBroker_DebugMailboxesSnapshot(t *testing.T) {
	srv, _, cancel := newTestServer(t, func(env map[string]any) (int, []byte, bool) {
		return 200, []byte(`{"subject":"ok"}`), false
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	_, _, err := srv.Submit(ctx, "worker", "1", "go", nil)
	require.NoError(t, err)

	snap, err := srv.Mailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "worker/1", snap[0].Address)
	assert.False(t, snap[0].InFlight)
}

func TestValidateAddress_RejectsOverLength(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	err := ValidateAddress("worker", string(long))
	assert.Error(t, err)
}
