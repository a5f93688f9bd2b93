// Package sender delivers heartbeats to the remote endpoint. Every attempt
// resolves to an Outcome; no send returns an error or panics past this
// package.
package sender

import (
	"context"

	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
)

// Status is the transport-independent result of a delivery attempt.
type Status int

const (
	Delivered Status = iota
	Rejected
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// State is the detailed result reported by the external helper transport.
// Other transports only use SentSuccessfully and SendError.
type State int

const (
	SentSuccessfully State = iota
	NothingToSend
	SendError
	ExecutableNotFound
	TooSoon
)

func (s State) String() string {
	switch s {
	case SentSuccessfully:
		return "sent_successfully"
	case NothingToSend:
		return "nothing_to_send"
	case SendError:
		return "send_error"
	case ExecutableNotFound:
		return "executable_not_found"
	case TooSoon:
		return "too_soon"
	default:
		return "unknown"
	}
}

// Outcome describes one delivery attempt.
type Outcome struct {
	Status Status
	State  State

	// Code is the HTTP status, or the helper's exit code
	Code int

	// Err is an *errors.AgentError for anything but Delivered
	Err error
}

// OK reports whether the heartbeat was accepted.
func (o Outcome) OK() bool {
	return o.Status == Delivered
}

// AuthFailed reports whether the endpoint rejected the credentials.
func (o Outcome) AuthFailed() bool {
	return agenterrors.IsAuth(o.Err)
}

// Retryable reports whether a failed heartbeat should stay queued.
func (o Outcome) Retryable() bool {
	return o.Status != Delivered && (o.Err == nil || agenterrors.IsRetryable(o.Err))
}

// BatchOutcome describes a bulk attempt. Items, when present, is aligned
// with the submitted rows; otherwise the batch outcome applies to each.
type BatchOutcome struct {
	Outcome
	Items []Outcome
}

// Item returns the outcome for the i-th submitted row.
func (b BatchOutcome) Item(i int) Outcome {
	if i >= 0 && i < len(b.Items) {
		return b.Items[i]
	}
	return b.Outcome
}

// Sender is the delivery capability used by the coordinator.
type Sender interface {
	// Send delivers one queued row.
	Send(ctx context.Context, row types.Row) Outcome

	// SendBatch delivers rows in one request.
	SendBatch(ctx context.Context, rows []types.Row) BatchOutcome

	// Name identifies the transport in logs and metrics.
	Name() string
}

func delivered(code int) Outcome {
	return Outcome{Status: Delivered, State: SentSuccessfully, Code: code}
}

func rejected(code int, err error) Outcome {
	return Outcome{Status: Rejected, State: SendError, Code: code, Err: err}
}

func unreachable(state State, err error) Outcome {
	return Outcome{Status: Unreachable, State: state, Err: err}
}

// NothingToSendOutcome is returned for events without an entity.
func NothingToSendOutcome() Outcome {
	return Outcome{Status: Rejected, State: NothingToSend, Err: agenterrors.NewInvalidHeartbeat("nothing to send")}
}
