// Package broker implements the server actor: HTTP ingress, URL routing,
// the parked-connection table, the mailbox registry, and the single loop
// goroutine that owns all of it (spec.md §4.4, §5).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mulgadc/mqless/internal/awsclient"
	"github.com/mulgadc/mqless/internal/mailbox"
)

const httpAddressPrefix = "$http/"

// ingressRequest is one accepted HTTP POST, handed from a fiber handler
// goroutine to the loop goroutine. The fiber goroutine then blocks on
// reply — this blocked goroutine *is* the parked HTTP connection; there is
// no separate connection-handle type to manage lifetime for, Go's
// blocking channel receive does it for free.
type ingressRequest struct {
	actorType string
	actorID   string
	subject   string
	body      json.RawMessage
	reply     chan httpReply
}

type httpReply struct {
	status int
	body   []byte
}

// replyEnvelope is the JSON document sent back to an HTTP caller on a
// direct reply (spec.md §3 "Envelope format (Lambda -> broker)" applied
// to the final hop back to the waiting connection).
type replyEnvelope struct {
	From    string          `json:"from"`
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Server is the event loop owner: mailboxes, parked connections, and the
// AWS client's result stream all funnel through run(), the sole goroutine
// that touches this struct's mutable fields. Construction-time fields
// (aws, endpoint) are immutable after NewServer returns.
type Server struct {
	aws      *awsclient.Client
	endpoint string

	mailboxes   map[string]*mailbox.Mailbox
	connections map[string]chan httpReply
	nextConnID  uint64

	ingress chan ingressRequest
	debug   chan chan []MailboxSnapshot
}

// NewServer builds a Server. endpoint is the externally reachable
// "http://IP:PORT" used by mql_server_endpoint (spec.md §4.4).
func NewServer(aws *awsclient.Client, endpoint string) *Server {
	return &Server{
		aws:         aws,
		endpoint:    endpoint,
		mailboxes:   make(map[string]*mailbox.Mailbox),
		connections: make(map[string]chan httpReply),
		ingress:     make(chan ingressRequest, 64),
		debug:       make(chan chan []MailboxSnapshot),
		nextConnID:  randomSeed(),
	}
}

// randomSeed seeds the synthetic $http/<u64> counter randomly (spec.md §3),
// so restarts don't reuse small connection IDs from a previous run.
func randomSeed() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	if v == 0 {
		v = 1
	}
	return v
}

// Endpoint returns the externally reachable base URL (mql_server_endpoint).
func (s *Server) Endpoint() string { return s.endpoint }

// Submit hands one accepted HTTP POST to the loop and blocks until a
// reply is produced or ctx is done. This is the ingress half of
// spec.md §4.4's routing actions, called from a fiber handler goroutine.
func (s *Server) Submit(ctx context.Context, actorType, actorID, subject string, body json.RawMessage) (status int, respBody []byte, err error) {
	req := ingressRequest{
		actorType: actorType,
		actorID:   actorID,
		subject:   subject,
		body:      body,
		reply:     make(chan httpReply, 1),
	}

	select {
	case s.ingress <- req:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.status, r.body, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Run is the event loop (spec.md §5): the sole goroutine that mutates
// mailboxes/connections/the AWS client's bootstrap state. It returns when
// ctx is canceled ($TERM, spec.md §5 "Cancellation").
func (s *Server) Run(ctx context.Context) {
	var refresh *time.Ticker
	var refreshC <-chan time.Time
	if s.aws.UsesIMDS() {
		refresh = s.aws.RefreshTimer()
		refreshC = refresh.C
		defer refresh.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("broker: event loop shutting down")
			return

		case req := <-s.ingress:
			s.handleIngress(req)

		case fn := <-s.aws.Results():
			fn()

		case <-refreshC:
			slog.Debug("broker: periodic credential refresh")
			s.aws.RefreshCredentials()

		case reply := <-s.debug:
			reply <- s.snapshotMailboxes()
		}
	}
}

// handleIngress implements spec.md §4.4's routing actions for a parsed,
// already-length-validated POST /send/{type}/{id}/{subject}.
func (s *Server) handleIngress(req ingressRequest) {
	address := req.actorType + "/" + req.actorID

	from := httpAddressPrefix + strconv.FormatUint(s.nextConnID, 10)
	s.nextConnID++
	s.connections[from] = req.reply

	mb := s.mailboxForAddress(address, req.actorType)
	mb.Send(from, req.subject, req.body)
}

// mailboxForAddress looks up or lazily creates the mailbox for address
// (spec.md §3: "Mailboxes are created lazily on first addressed message").
func (s *Server) mailboxForAddress(address, actorType string) *mailbox.Mailbox {
	mb, ok := s.mailboxes[address]
	if !ok {
		mb = mailbox.New(address, actorType, s, s.aws)
		s.mailboxes[address] = mb
	}
	return mb
}

// actorTypeOf derives the actor type from an address, for Send's
// lazily-created mailboxes on the fan-out/forward path.
func actorTypeOf(address string) string {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i]
	}
	return address
}

// Send implements mailbox.Router: route to either a parked HTTP
// connection or another mailbox (spec.md §4.4 "server.send"). Called
// only from the loop goroutine.
func (s *Server) Send(to, from, subject string, body json.RawMessage) {
	if strings.HasPrefix(to, httpAddressPrefix) {
		reply, ok := s.connections[to]
		if !ok {
			slog.Warn("broker: reply to unknown or expired connection", "to", to)
			return
		}
		delete(s.connections, to)

		env := replyEnvelope{From: from, Subject: subject}
		if len(body) > 0 && string(body) != "null" {
			env.Body = body
		}
		payload, err := json.Marshal(env)
		if err != nil {
			slog.Error("broker: failed to marshal reply envelope", "to", to, "err", err)
			reply <- httpReply{status: 500, body: []byte(`{"error":"internal error"}`)}
			return
		}
		reply <- httpReply{status: 200, body: payload}
		return
	}

	mb := s.mailboxForAddress(to, actorTypeOf(to))
	mb.Send(from, subject, body)
}

// SendError implements mailbox.Router: only HTTP-synthetic destinations
// receive errors (spec.md §4.4 "server.send_error"); errors destined for
// actor mailboxes are dropped — actors have no explicit error channel.
//
// spec.md's own wording for the guard ("Only forwarded if to has no /")
// is inverted from the rest of the document, where every HTTP-synthetic
// address contains a slash ("$http/<u64>") and every actor address does
// too ("actor_type/actor_id"). The parenthetical resolves the ambiguity
// unambiguously ("i.e. is an HTTP synthetic address"), so that's the
// check implemented here, via the same "$http/" prefix test used
// everywhere else in this package — see DESIGN.md.
func (s *Server) SendError(to string, statusCode int, body string) {
	if !strings.HasPrefix(to, httpAddressPrefix) {
		slog.Debug("broker: dropping actor-addressed error", "to", to, "status", statusCode)
		return
	}

	reply, ok := s.connections[to]
	if !ok {
		slog.Warn("broker: error reply to unknown or expired connection", "to", to)
		return
	}
	delete(s.connections, to)
	reply <- httpReply{status: statusCode, body: []byte(body)}
}

// ValidateAddress enforces spec.md §3's 255-byte combined maximum for
// "actor_type/actor_id".
func ValidateAddress(actorType, actorID string) error {
	if len(actorType)+len(actorID)+1 > 255 {
		return fmt.Errorf("address %s/%s exceeds 255 bytes", actorType, actorID)
	}
	return nil
}
