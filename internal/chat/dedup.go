package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
)

// Window bounds how far back a sender's history counts. A prior message
// qualifies if it is among the last MaxMessages CF messages or younger than
// MaxAge, whichever admits more.
type Window struct {
	MaxMessages int
	MaxAge      time.Duration
}

var DefaultWindow = Window{MaxMessages: 5, MaxAge: 120 * time.Second}

type Verdict struct {
	Duplicate     bool   `json:"duplicate"`
	DuplicateOfID string `json:"duplicate_of_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// HistoryEntry is one recorded CF message of a sender.
type HistoryEntry struct {
	MessageID  string    `json:"message_id"`
	Signature  string    `json:"signature"`
	ReceivedAt time.Time `json:"received_at"`
}

// HistoryStore keeps per (session, sender) CF history, newest first.
type HistoryStore interface {
	Recent(ctx context.Context, sessionID, senderID string) ([]HistoryEntry, error)
	Append(ctx context.Context, sessionID, senderID string, e HistoryEntry) error
}

type Detector struct {
	History HistoryStore
	Locks   *keylock.Locker
	Window  Window
}

func NewDetector(history HistoryStore, locks *keylock.Locker, w Window) *Detector {
	if w.MaxMessages <= 0 && w.MaxAge <= 0 {
		w = DefaultWindow
	}
	return &Detector{History: history, Locks: locks, Window: w}
}

// Check decides whether ex repeats an earlier CF from the same sender in the
// same session. Non-duplicates are recorded before the lock is released, so
// two identical messages racing here produce exactly one original.
func (d *Detector) Check(ctx context.Context, m *Message, ex Extraction) (Verdict, error) {
	unlock, err := d.Locks.Lock(ctx, "dedup:"+m.SessionID+":"+m.SenderID)
	if err != nil {
		return Verdict{}, err
	}
	defer unlock()

	hist, err := d.History.Recent(ctx, m.SessionID, m.SenderID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load history: %w", err)
	}
	sig := ex.Signature()

	// a redelivered message finds its own entry from the first attempt
	recorded := false
	prior := hist[:0:0]
	for _, e := range hist {
		if e.MessageID == m.ID {
			recorded = true
			continue
		}
		prior = append(prior, e)
	}

	var orig *HistoryEntry
	for i := range prior {
		e := prior[i]
		if !d.inWindow(i, m.ReceivedAt.Sub(e.ReceivedAt)) {
			continue
		}
		// newest first, so the last hit is the earliest
		if e.Signature == sig {
			orig = &prior[i]
		}
	}
	if orig != nil {
		return Verdict{
			Duplicate:     true,
			DuplicateOfID: orig.MessageID,
			Reason: fmt.Sprintf("same items (%s) as message %s sent %s earlier",
				ex, orig.MessageID, m.ReceivedAt.Sub(orig.ReceivedAt).Round(time.Second)),
		}, nil
	}

	if recorded {
		return Verdict{}, nil
	}
	if err := d.History.Append(ctx, m.SessionID, m.SenderID, HistoryEntry{
		MessageID: m.ID, Signature: sig, ReceivedAt: m.ReceivedAt,
	}); err != nil {
		return Verdict{}, fmt.Errorf("record history: %w", err)
	}
	return Verdict{}, nil
}

func (d *Detector) inWindow(pos int, age time.Duration) bool {
	if d.Window.MaxMessages > 0 && pos < d.Window.MaxMessages {
		return true
	}
	return d.Window.MaxAge > 0 && age <= d.Window.MaxAge
}
