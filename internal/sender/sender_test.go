package sender

import (
	"context"
	"testing"

	"github.com/kate-wakatime/wakatime-agent/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unreachable", Unreachable.String())
	assert.Equal(t, "too_soon", TooSoon.String())
	assert.Equal(t, "executable_not_found", ExecutableNotFound.String())
}

func TestBatchOutcome_Item(t *testing.T) {
	b := BatchOutcome{Outcome: delivered(202)}
	assert.True(t, b.Item(5).OK())

	b.Items = []Outcome{delivered(201), NothingToSendOutcome()}
	assert.True(t, b.Item(0).OK())
	assert.False(t, b.Item(1).OK())
	assert.True(t, b.Item(2).OK())
}

func TestMemorySender_Scripted(t *testing.T) {
	m := NewMemorySender()
	ctx := context.Background()
	r := types.Row{ID: "id", Payload: "{}"}

	assert.True(t, m.Send(ctx, r).OK())

	m.SetStatus(Rejected, 401)
	assert.True(t, m.Send(ctx, r).AuthFailed())

	m.SetStatus(Unreachable, 0)
	assert.Equal(t, Unreachable, m.SendBatch(ctx, []types.Row{r, r}).Status)

	assert.Len(t, m.Sent(), 2)
	assert.Len(t, m.Batches(), 1)
	assert.Len(t, m.Batches()[0], 2)
}
