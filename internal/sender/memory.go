package sender

import (
	"context"
	"sync"

	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

// MemorySender is a test implementation that records what it was asked to
// send and answers with a scripted status.
type MemorySender struct {
	mu      sync.Mutex
	status  Status
	code    int
	sent    []types.Row
	batches [][]types.Row
}

// NewMemorySender creates a sender that delivers everything.
func NewMemorySender() *MemorySender {
	return &MemorySender{status: Delivered, code: 201}
}

// SetStatus scripts the outcome of subsequent sends. code is the HTTP
// status reported for Delivered and Rejected.
func (m *MemorySender) SetStatus(status Status, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.code = code
}

// Name identifies the transport.
func (m *MemorySender) Name() string { return "memory" }

// Send records row.
func (m *MemorySender) Send(_ context.Context, row types.Row) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, row)
	return m.outcomeLocked()
}

// SendBatch records rows as one batch.
func (m *MemorySender) SendBatch(_ context.Context, rows []types.Row) BatchOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]types.Row(nil), rows...))

	out := BatchOutcome{Outcome: m.outcomeLocked()}
	for i, row := range rows {
		if _, err := types.ParseHeartbeat(row.Payload); err == nil {
			continue
		}
		// unreadable rows are refused like the real transports do
		if out.Items == nil {
			out.Items = make([]Outcome, len(rows))
			for j := range out.Items {
				out.Items[j] = out.Outcome
			}
		}
		out.Items[i] = rejected(0, agenterrors.NewInvalidHeartbeat("unreadable payload"))
	}
	return out
}

func (m *MemorySender) outcomeLocked() Outcome {
	switch m.status {
	case Rejected:
		return rejected(m.code, agenterrors.NewRejected(m.code, "scripted rejection"))
	case Unreachable:
		return unreachable(SendError, agenterrors.NewUnreachable("scripted outage", nil))
	default:
		return delivered(m.code)
	}
}

// Sent returns the rows passed to Send.
func (m *MemorySender) Sent() []types.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Row(nil), m.sent...)
}

// Batches returns the row sets passed to SendBatch.
func (m *MemorySender) Batches() [][]types.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]types.Row(nil), m.batches...)
}
