package events

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/pkg/logger"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(4, logger.Discard())
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(NewStreamStatus("src-1", "connected", 0))

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, StreamStatus, e1.Type)
	assert.Equal(t, "connected", e2.Status)
	assert.False(t, e1.Time.IsZero())

	b.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(1, logger.Discard())
	_, ch := b.Subscribe()

	b.Publish(NewError("", "first"))
	b.Publish(NewError("", "second"))

	e := <-ch
	assert.Equal(t, "first", e.Message)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus(1, logger.Discard())
	_, ch := b.Subscribe()
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(NewError("", "ignored"))

	_, late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestMirrorCompleteJSON(t *testing.T) {
	units := decimal.NewFromInt(300)
	e := NewMirrorComplete("src", "m-1", "42", true, &units, "900", "")

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "trade:mirror:complete", got["type"])
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "300", got["executedUnits"])
	assert.NotContains(t, got, "errorMessage")

	failed := NewMirrorComplete("src", "m-2", "42", false, nil, "", "boom")
	b, err = json.Marshal(failed)
	require.NoError(t, err)
	got = map[string]any{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "boom", got["errorMessage"])
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(NewError("a", "x"))
	r.Publish(NewStreamStatus("a", "fallback", 6))

	assert.Len(t, r.Events(), 2)
	require.Len(t, r.OfType(StreamStatus), 1)
	assert.Equal(t, 6, r.OfType(StreamStatus)[0].Attempt)
}
