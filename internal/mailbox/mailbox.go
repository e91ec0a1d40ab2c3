package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var errInvalidMessage = errors.New("invalid message")

// InvokeResult is what the AWS client hands back for one Lambda
// invocation: either a transport-level failure (Err set), or a response
// with a status code, body, and whether X-Amz-Function-Error was present.
type InvokeResult struct {
	StatusCode    int
	Body          []byte
	FunctionError bool
	Err           error
}

// Invoker is the capability a Mailbox uses to dispatch Lambda invocations.
// Satisfied by *awsclient.Client; kept as an interface so mailbox tests
// don't need a real AWS client.
type Invoker interface {
	InvokeLambda(functionName string, payload []byte, callback func(InvokeResult))
}

// Router is the capability a Mailbox uses to call back into the server:
// routing a reply/forward/fan-out send, or an error, to its destination.
// This is the "interface/capability handle" from spec.md §9's Mailbox<->
// Server back-edge design note, avoiding a Mailbox -> Server -> Mailbox
// reference cycle.
type Router interface {
	Send(to, from, subject string, body json.RawMessage)
	SendError(to string, statusCode int, body string)
}

// Item is one queued message awaiting dispatch or in flight.
type Item struct {
	From    string
	Subject string
	Body    json.RawMessage
}

// Mailbox serializes Lambda invocations for one address: at most one
// in-flight call, FIFO order within the address, no ordering guarantee
// across addresses. Every method is called only from the server's single
// loop goroutine — see spec.md §5 — so Mailbox itself holds no lock.
type Mailbox struct {
	Address   string
	ActorType string

	queue    []Item
	inFlight bool

	// DispatchedAt and Generation are observability-only (SPEC_FULL.md §3):
	// they do not participate in FIFO/in-flight semantics.
	DispatchedAt time.Time
	Generation   uint64

	router  Router
	invoker Invoker
}

// New creates a mailbox for address, whose actor type is the segment
// before the first '/'.
func New(address, actorType string, router Router, invoker Invoker) *Mailbox {
	return &Mailbox{
		Address:   address,
		ActorType: actorType,
		router:    router,
		invoker:   invoker,
	}
}

// QueueDepth returns the number of items waiting (not counting one
// in-flight invocation), for the /debug/mailboxes introspection endpoint.
func (m *Mailbox) QueueDepth() int { return len(m.queue) }

// InFlight reports whether a Lambda invocation is outstanding.
func (m *Mailbox) InFlight() bool { return m.inFlight }

// Send enqueues (from, subject, body) and dispatches immediately if idle.
// Always succeeds in the base design (spec.md §4.3).
func (m *Mailbox) Send(from, subject string, body json.RawMessage) {
	m.queue = append(m.queue, Item{From: from, Subject: subject, Body: body})
	if !m.inFlight {
		m.dispatchNext()
	}
}

// dispatchNext pops the head of the queue and invokes it. It also runs
// after every response (handleResponse defers it); on an empty queue it
// clears inFlight, keeping the invariant (spec.md §8 #1) that inFlight is
// false only when the queue is empty.
func (m *Mailbox) dispatchNext() {
	if len(m.queue) == 0 {
		m.inFlight = false
		return
	}

	item := m.queue[0]
	m.queue = m.queue[1:]
	m.inFlight = true
	m.Generation++
	m.DispatchedAt = time.Now()

	envelope := OutEnvelope{
		Subject: item.Subject,
		From:    item.From,
		Address: m.Address,
	}
	if len(item.Body) > 0 && string(item.Body) != "null" {
		envelope.Body = item.Body
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		// Envelope fields are all plain strings plus a pre-validated
		// json.RawMessage body; marshaling cannot fail in practice.
		slog.Error("mailbox: failed to marshal outbound envelope", "address", m.Address, "err", err)
		m.replyError(item.From, 500, `{"body":"Internal error"}`)
		m.dispatchNext()
		return
	}

	from := item.From
	m.invoker.InvokeLambda(m.ActorType, payload, func(res InvokeResult) {
		m.handleResponse(from, res)
	})
}

// handleResponse interprets one Lambda invocation's result per spec.md
// §4.3 "Response interpretation", then always drains the next item.
func (m *Mailbox) handleResponse(from string, res InvokeResult) {
	defer m.dispatchNext()

	if res.Err != nil {
		// spec.md §9 #3: bound the transport-failure limitation with a
		// 504-style drain instead of leaving the mailbox wedged.
		slog.Warn("mailbox: lambda invocation transport failure", "address", m.Address, "err", res.Err)
		m.replyError(from, 504, `{"error":"lambda invocation timed out"}`)
		return
	}

	if res.FunctionError || res.StatusCode >= 300 {
		m.router.SendError(from, errorStatus(res.StatusCode, res.FunctionError), string(res.Body))
		return
	}

	var in InEnvelope
	if err := json.Unmarshal(res.Body, &in); err != nil {
		m.replyError(from, 400, `{"body":"Invalid json"}`)
		return
	}

	elements, err := in.sendElements()
	if err != nil {
		m.replyError(from, 400, `{"body":"Invalid message"}`)
		return
	}
	if len(elements) > 0 {
		// Validate and dispatch inline, one element at a time: a valid
		// element preceding an invalid one has already been sent by the
		// time the invalid one is found, and is not rolled back (spec.md
		// §4.3 step 3, "stop processing subsequent send items").
		for _, raw := range elements {
			t, err := decodeSendTarget(raw)
			if err != nil {
				m.replyError(from, 400, `{"body":"Invalid message"}`)
				return
			}
			m.router.Send(t.To, m.Address, t.Subject, t.Body)
		}
		return
	}

	if in.hasForward() {
		t, err := decodeSendTarget(in.Forward)
		if err != nil {
			m.replyError(from, 400, `{"body":"Invalid message"}`)
			return
		}
		// Forward preserves the originating from: the eventual reply goes
		// to the original caller, not to this mailbox.
		m.router.Send(t.To, from, t.Subject, t.Body)
		return
	}

	if in.hasSubject() {
		m.router.Send(from, m.Address, in.Subject, in.Body)
		return
	}

	// body without subject at top level is an error (spec.md §4.3 step 6).
	m.replyError(from, 400, `{"body":"Invalid json"}`)
}

func (m *Mailbox) replyError(to string, statusCode int, body string) {
	m.router.SendError(to, statusCode, body)
}

// errorStatus picks the status code forwarded to the originating caller for
// a Lambda function error or non-2xx response (spec.md §4.3 step 1). A real
// Lambda Invoke call reports a function error via the X-Amz-Function-Error
// header while still returning HTTP 200, so a bare passthrough of
// statusCode would hand the caller a 200 for what is actually a failure;
// functionError responses below 300 are normalized to 500 instead. Status
// codes already >=300 (including a plain transport-level non-2xx from a
// local Lambda emulator, spec.md §8 S5) are forwarded verbatim.
func errorStatus(statusCode int, functionError bool) int {
	if functionError && statusCode < 300 {
		return 500
	}
	if statusCode == 0 {
		return 500
	}
	return statusCode
}

// Address joins actorType and actorID into "actor_type/actor_id", validating
// the combined length per spec.md §3's 255-byte maximum.
func Address(actorType, actorID string) (string, error) {
	address := fmt.Sprintf("%s/%s", actorType, actorID)
	if len(address) > 255 {
		return "", fmt.Errorf("address exceeds maximum length of 255 bytes")
	}
	return address, nil
}
