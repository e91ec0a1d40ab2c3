package broker

import "context"

// MailboxSnapshot is one row of the /debug/mailboxes introspection
// endpoint (SPEC_FULL.md §4.4 "Operational introspection endpoint").
type MailboxSnapshot struct {
	Address    string `json:"address"`
	ActorType  string `json:"actor_type"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   bool   `json:"in_flight"`
}

// snapshotMailboxes builds the current mailbox listing. Called only from
// the loop goroutine.
func (s *Server) snapshotMailboxes() []MailboxSnapshot {
	out := make([]MailboxSnapshot, 0, len(s.mailboxes))
	for addr, mb := range s.mailboxes {
		out = append(out, MailboxSnapshot{
			Address:    addr,
			ActorType:  mb.ActorType,
			QueueDepth: mb.QueueDepth(),
			InFlight:   mb.InFlight(),
		})
	}
	return out
}

// Mailboxes fetches a snapshot from the loop goroutine via the debug
// channel, for the /debug/mailboxes HTTP handler (which runs on a
// separate fiber goroutine and must never read Server's maps directly).
func (s *Server) Mailboxes(ctx context.Context) ([]MailboxSnapshot, error) {
	reply := make(chan []MailboxSnapshot, 1)
	select {
	case s.debug <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
