package gateway

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoPending is returned when a decision targets a call id with no parked
// approval, including calls that were cancelled before the decision arrived.
var ErrNoPending = errors.New("no pending approval for call")

// PendingApproval is one call parked behind an ask verdict, as shown to an
// approval surface.
type PendingApproval struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type pendingRow struct {
	approval PendingApproval
	decision chan bool
}

// pendingTable tracks parked calls keyed by call id. Each row owns a buffered
// decision channel so a resolver never blocks on the waiting caller.
type pendingTable struct {
	mu   sync.Mutex
	rows map[string]*pendingRow
}

func newPendingTable() *pendingTable {
	return &pendingTable{rows: make(map[string]*pendingRow)}
}

func (t *pendingTable) add(a PendingApproval) (*pendingRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[a.CallID]; exists {
		return nil, errors.New("approval already pending for call " + a.CallID)
	}
	row := &pendingRow{approval: a, decision: make(chan bool, 1)}
	t.rows[a.CallID] = row
	return row, nil
}

// resolve delivers a verdict and removes the row. At most one decision can
// ever land on a row: the first resolve wins and later ones get ErrNoPending.
func (t *pendingTable) resolve(callID string, approved bool) error {
	t.mu.Lock()
	row, ok := t.rows[callID]
	if ok {
		delete(t.rows, callID)
	}
	t.mu.Unlock()
	if !ok {
		return ErrNoPending
	}
	row.decision <- approved
	return nil
}

// remove withdraws a parked call without deciding it, used when the waiting
// caller's context ends first.
func (t *pendingTable) remove(callID string) {
	t.mu.Lock()
	delete(t.rows, callID)
	t.mu.Unlock()
}

func (t *pendingTable) list() []PendingApproval {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingApproval, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row.approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
