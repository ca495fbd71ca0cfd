package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusRoutesAgentAndBroadcastEvents(t *testing.T) {
	bus := NewBus(4)
	a1, cancelA1 := bus.Subscribe("a-1")
	a2, cancelA2 := bus.Subscribe("a-2")
	defer cancelA2()

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1", TaskID: "t-1"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindRunFinished, RunID: "run-1"}))
	// agents without an inbox are skipped
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-offline"}))

	assert.Equal(t, KindTaskAssigned, (<-a1).Kind)
	assert.Equal(t, KindRunFinished, (<-a1).Kind)
	assert.Equal(t, KindRunFinished, (<-a2).Kind)
	assert.Len(t, a2, 0)

	cancelA1()
	cancelA1()
	_, open := <-a1
	assert.False(t, open)
}

func TestBusFansOutToEverySubscriberOfAnAgent(t *testing.T) {
	bus := NewBus(4)
	first, cancelFirst := bus.Subscribe("a-1")
	second, cancelSecond := bus.Subscribe("a-1")
	defer cancelSecond()

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1", TaskID: "t-1"}))
	assert.Equal(t, "t-1", (<-first).TaskID)
	assert.Equal(t, "t-1", (<-second).TaskID)

	// closing one stream leaves the other connected
	cancelFirst()
	_, open := <-first
	assert.False(t, open)

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1", TaskID: "t-2"}))
	ev, ok := <-second
	require.True(t, ok)
	assert.Equal(t, "t-2", ev.TaskID)
}

func TestBusReportsFullInbox(t *testing.T) {
	bus := NewBus(1)
	_, cancel := bus.Subscribe("a-1")
	defer cancel()
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1"}))
	err := bus.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1"})
	assert.ErrorIs(t, err, ErrInboxFull)
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherKeysByAgent(t *testing.T) {
	w := &recordingWriter{}
	pub := newKafkaPublisher(w, nil)

	ev, err := New(KindProgressUpdated, map[string]int{"total_xp": 35})
	require.NoError(t, err)
	ev.AgentID = "a-7"
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "a-7", string(w.msgs[0].Key))
	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, KindProgressUpdated, decoded.Kind)
	assert.JSONEq(t, `{"total_xp":35}`, string(decoded.Payload))
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := newKafkaPublisher(&recordingWriter{err: errors.New("broker down")}, nil)
	bus := NewBus(2)
	inbox, unsubscribe := bus.Subscribe("a-1")
	defer unsubscribe()

	err := Fanout{bus, failing, Nop{}}.Publish(context.Background(), Event{Kind: KindTaskAssigned, AgentID: "a-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, inbox, 1)

	_, err = NewKafkaPublisher(nil, "topic", nil)
	assert.Error(t, err)
}
