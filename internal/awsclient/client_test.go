package awsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mulgadc/mqless/internal/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StaticCredentialsStartInStateDone(t *testing.T) {
	c := New(Config{Region: "us-east-1", AccessKey: "AK", Secret: "SK"})
	assert.Equal(t, StateDone, c.BootstrapState())
	assert.False(t, c.UsesIMDS())
}

func TestNew_NoCredentialsStartInStateRegion(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, StateRegion, c.BootstrapState())
}

func TestInvokeLambda_SignsAndReturnsSuccess(t *testing.T) {
	var gotAuth string
	lambda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "RequestResponse", r.Header.Get("X-Amz-Invocation-Type"))
		w.WriteHeader(200)
		w.Write([]byte(`{"subject":"ok"}`))
	}))
	defer lambda.Close()

	c := New(Config{Region: "us-east-1", AccessKey: "AK", Secret: "SK", Endpoint: lambda.URL})

	done := make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })

	select {
	case fn := <-c.Results():
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invoke result thunk")
	}

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.StatusCode)
	assert.JSONEq(t, `{"subject":"ok"}`, string(res.Body))
	assert.Contains(t, gotAuth, "AWS4-HMAC-SHA256")
}

func TestInvokeLambda_FunctionErrorHeaderSurfaced(t *testing.T) {
	lambda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Amz-Function-Error", "Unhandled")
		w.WriteHeader(200)
		w.Write([]byte(`{"errorMessage":"boom"}`))
	}))
	defer lambda.Close()

	c := New(Config{Region: "us-east-1", AccessKey: "AK", Secret: "SK", Endpoint: lambda.URL})

	done := make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })
	(<-c.Results())()

	res := <-done
	assert.True(t, res.FunctionError)
}

func TestInvokeLambda_TransportFailureDeliversErr(t *testing.T) {
	lambda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close() // abruptly close, simulating a transport failure
	}))
	defer lambda.Close()

	c := New(Config{Region: "us-east-1", AccessKey: "AK", Secret: "SK", Endpoint: lambda.URL})

	done := make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })
	(<-c.Results())()

	res := <-done
	assert.Error(t, res.Err)
}

func TestInvokeLambda_CredentialsNotReadyFailsFast(t *testing.T) {
	c := New(Config{}) // no static credentials, never bootstrapped

	done := make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })
	(<-c.Results())()

	res := <-done
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "credentials not ready")
}

// TestInvokeLambda_SucceedsDuringRefreshCycle covers spec.md §7's "Periodic
// refresh leaves prior credentials in place": a refresh in progress (or one
// that failed) must not block invocations that can still be signed with the
// previously bootstrapped credentials.
func TestInvokeLambda_SucceedsDuringRefreshCycle(t *testing.T) {
	lambda := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"subject":"ok"}`))
	}))
	defer lambda.Close()

	c := New(Config{Region: "us-east-1", AccessKey: "AK", Secret: "SK", Endpoint: lambda.URL})

	// Simulate a refresh cycle in progress, as RefreshCredentials does while
	// it waits on the IMDS round trip.
	c.bootstrapState = StateCredentials

	done := make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })
	(<-c.Results())()

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.StatusCode)

	// Simulate that same refresh cycle having failed outright.
	c.bootstrapState = StateError

	done = make(chan mailbox.InvokeResult, 1)
	c.InvokeLambda("worker", []byte(`{}`), func(res mailbox.InvokeResult) { done <- res })
	(<-c.Results())()

	res = <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.StatusCode)
}

func TestRefreshCredentialsSync_BootstrapsFromIMDS(t *testing.T) {
	imds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/dynamic/instance-identity/document":
			w.Write([]byte(`{"region":"ap-southeast-2"}`))
		case "/latest/meta-data/iam/security-credentials/":
			w.Write([]byte("mqless-role"))
		case "/latest/meta-data/iam/security-credentials/mqless-role":
			w.Write([]byte(`{"Code":"Success","AccessKeyId":"AKIMDS","SecretAccessKey":"SKIMDS","Token":"TOKEN"}`))
		default:
			w.WriteHeader(404)
		}
	}))
	defer imds.Close()

	host := imds.Listener.Addr().String()
	c := New(Config{IMDSHost: host})

	err := c.RefreshCredentialsSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, c.BootstrapState())
	assert.True(t, c.UsesIMDS())
}

func TestRefreshCredentialsSync_FailsOnBadRoleCode(t *testing.T) {
	imds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/dynamic/instance-identity/document":
			w.Write([]byte(`{"region":"ap-southeast-2"}`))
		case "/latest/meta-data/iam/security-credentials/":
			w.Write([]byte("mqless-role"))
		case "/latest/meta-data/iam/security-credentials/mqless-role":
			w.Write([]byte(`{"Code":"Failure"}`))
		default:
			w.WriteHeader(404)
		}
	}))
	defer imds.Close()

	host := imds.Listener.Addr().String()
	c := New(Config{IMDSHost: host})

	err := c.RefreshCredentialsSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, c.BootstrapState())
}
