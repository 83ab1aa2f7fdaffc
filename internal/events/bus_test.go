package events

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(StepEvent{Step: 1, DLoss: -0.5})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, 1, (<-a).Step)
	assert.Equal(t, -0.5, (<-b).DLoss)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(StepEvent{Step: 1})

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// Second cancel is a no-op.
	cancel()
}

func TestLogProgress_WritesStepEvents(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	bus := NewBus()
	stop := LogProgress(bus, log)

	bus.Publish(StepEvent{RunID: "run-1", Step: 2, TotalSteps: 10, DLoss: -0.5})
	stop()

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, `"step":2`)
	assert.Contains(t, out, `"d_loss":-0.5`)
}

func TestBus_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the buffer; Publish must keep returning.
	for i := 0; i < 200; i++ {
		bus.Publish(StepEvent{Step: i})
	}
}
