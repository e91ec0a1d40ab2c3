// Package awsclient implements asynchronous egress to AWS: Lambda Invoke
// and the EC2 Instance Metadata Service (IMDS) credential bootstrap.
//
// Every exported method is called only from the broker's single loop
// goroutine (spec.md §5). HTTP round trips run in their own goroutines and
// never touch Client's fields directly; instead they send a thunk — a
// closure that performs the actual state mutation and callback firing — on
// Results(), which the loop goroutine drains exactly like spec.md §4.2's
// "execute(): pull one response and fire its paired callback". Go's
// closures make the (callback, arg) pair the spec describes implicit in
// the channel element itself, so no separate correlation table is needed.
package awsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mulgadc/mqless/internal/mailbox"
	"github.com/mulgadc/mqless/internal/signer"
	"golang.org/x/net/http2"
)

// BootstrapState is the IMDS credential bootstrap state machine's current
// state (spec.md §4.2.1).
type BootstrapState int

const (
	StateRegion BootstrapState = iota
	StateRole
	StateCredentials
	StateDone
	StateError
)

func (s BootstrapState) String() string {
	switch s {
	case StateRegion:
		return "REGION"
	case StateRole:
		return "ROLE"
	case StateCredentials:
		return "CREDENTIALS"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultIMDSHost         = "169.254.169.254"
	defaultRole             = "mqless-role"
	defaultLambdaTimeout    = 30 * time.Second
	imdsTimeout             = 10 * time.Second
	credentialRefreshPeriod = 4 * time.Minute
)

// Config configures a Client at construction time.
type Config struct {
	Region    string // non-empty disables IMDS region discovery
	AccessKey string
	Secret    string
	Role      string // IMDS instance role hint; defaults to mqless-role
	Endpoint  string // override Lambda base URL (e.g. local emulator)

	IMDSHost       string        // overridable for tests
	LambdaTimeout  time.Duration // default 30s
	invokeHostname string        // overridable for tests (used instead of lambda.<region>.amazonaws.com)
}

// Client is the AWS egress client: Lambda Invoke + IMDS bootstrap.
type Client struct {
	httpClient *http.Client

	region   string
	role     string
	endpoint string

	imdsHost      string
	invokeHost    string
	lambdaTimeout time.Duration

	signer         *signer.Signer
	sessionToken   string
	bootstrapState BootstrapState
	fromIMDS       bool

	results chan func()
}

// New builds a Client. If cfg.Region/AccessKey/Secret are all set, the
// client starts in StateDone with static credentials (SPEC_FULL.md §4.2.1);
// otherwise it starts in StateRole when cfg.Region is set, or StateRegion
// when it is not, and must be bootstrapped via
// RefreshCredentials/RefreshCredentialsSync before Lambda calls can be
// signed.
func New(cfg Config) *Client {
	role := cfg.Role
	if role == "" {
		role = defaultRole
	}
	imdsHost := cfg.IMDSHost
	if imdsHost == "" {
		imdsHost = defaultIMDSHost
	}
	lambdaTimeout := cfg.LambdaTimeout
	if lambdaTimeout <= 0 {
		lambdaTimeout = defaultLambdaTimeout
	}

	c := &Client{
		httpClient:    newHTTP2Client(),
		region:        cfg.Region,
		role:          role,
		endpoint:      cfg.Endpoint,
		imdsHost:      imdsHost,
		invokeHost:    cfg.invokeHostname,
		lambdaTimeout: lambdaTimeout,
		results:       make(chan func(), 256),
	}

	if cfg.Region != "" && cfg.AccessKey != "" && cfg.Secret != "" {
		c.signer = signer.New(cfg.AccessKey, cfg.Secret, cfg.Region)
		c.bootstrapState = StateDone
	} else if cfg.Region != "" {
		c.bootstrapState = StateRole
	} else {
		c.bootstrapState = StateRegion
	}

	return c
}

// newHTTP2Client mirrors hive/s3client.Backend.Init's transport setup:
// HTTP/2 with connection-session caching for the AWS egress path.
func newHTTP2Client() *http.Client {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			ClientSessionCache: tls.NewLRUClientSessionCache(256),
			NextProtos:         []string{"h2", "http/1.1"},
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     120 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		slog.Warn("awsclient: failed to configure HTTP/2", "err", err)
	}
	return &http.Client{Transport: tr}
}

// BootstrapState returns the current IMDS bootstrap state, for /healthz.
func (c *Client) BootstrapState() BootstrapState { return c.bootstrapState }

// Results is the channel of ready thunks the loop goroutine drains. Each
// value is a zero-argument closure; running it performs exactly one
// state mutation/callback firing and must only be called from the loop
// goroutine.
func (c *Client) Results() <-chan func() { return c.results }

// RefreshTimer returns a ticker firing every 4 minutes, armed only while
// credentials are sourced from IMDS (spec.md §5 "Timers").
func (c *Client) RefreshTimer() *time.Ticker {
	return time.NewTicker(credentialRefreshPeriod)
}

// UsesIMDS reports whether credentials came from IMDS rather than static
// config, i.e. whether the periodic refresh timer should be armed.
func (c *Client) UsesIMDS() bool { return c.fromIMDS }

// InvokeLambda implements the spec.md §4.2 Lambda Invoke operation.
// callback fires (via a Results() thunk, from the loop goroutine) exactly
// once, with either a response or a transport-level failure.
//
// Gated on c.signer != nil rather than bootstrapState == StateDone: a
// periodic refresh cycle moves bootstrapState to CREDENTIALS for its
// duration, and to ERROR on a transient failure, while the signer derived
// from the previous successful bootstrap is still present and valid
// (spec.md §7: "Periodic refresh leaves prior credentials in place"). The
// state machine only needs consulting for the pre-bootstrap case, which
// signer == nil already captures (signer is set exactly once a signing
// keypair is known, whether from static config or the first successful
// IMDS bootstrap).
func (c *Client) InvokeLambda(functionName string, payload []byte, callback func(mailbox.InvokeResult)) {
	if c.signer == nil {
		c.results <- func() {
			callback(mailbox.InvokeResult{Err: fmt.Errorf("awsclient: credentials not ready (state=%s)", c.bootstrapState)})
		}
		return
	}

	host := c.invokeHost
	if host == "" {
		host = fmt.Sprintf("lambda.%s.amazonaws.com", c.region)
	}
	base := c.endpoint
	if base == "" {
		base = "https://" + host
	}
	path := fmt.Sprintf("/2015-03-31/functions/%s/invocations", functionName)
	url := base + path

	datetime := signer.Now()
	auth := c.signer.Sign(http.MethodPost, host, path, "", datetime, payload)

	sessionToken := c.sessionToken

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.lambdaTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			c.deliverInvokeError(callback, err)
			return
		}
		req.Host = host
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Amz-Invocation-Type", "RequestResponse")
		req.Header.Set("X-Amz-Log-Type", "None")
		req.Header.Set("Authorization", auth)
		req.Header.Set("X-Amz-Date", datetime)
		if sessionToken != "" {
			req.Header.Set("X-Amz-Security-Token", sessionToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.deliverInvokeError(callback, err)
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.deliverInvokeError(callback, err)
			return
		}

		functionError := resp.Header.Get("X-Amz-Function-Error") != ""
		result := mailbox.InvokeResult{
			StatusCode:    resp.StatusCode,
			Body:          body,
			FunctionError: functionError,
		}
		c.results <- func() { callback(result) }
	}()
}

func (c *Client) deliverInvokeError(callback func(mailbox.InvokeResult), err error) {
	c.results <- func() { callback(mailbox.InvokeResult{Err: err}) }
}

// rebuildSigner installs freshly bootstrapped credentials and session
// token. Called only from the loop goroutine (inside a Results() thunk).
func (c *Client) rebuildSigner(accessKey, secret, region, sessionToken string) {
	c.region = region
	c.sessionToken = sessionToken
	c.fromIMDS = true
	if c.signer == nil {
		c.signer = signer.New(accessKey, secret, region)
	} else {
		c.signer.Rotate(accessKey, secret, region)
	}
}
