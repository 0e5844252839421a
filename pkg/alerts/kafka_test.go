package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/vigil/pkg/severity"
)

type fakeKafkaWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"1.2.3.4:9092"}, Topic: "vigil-alerts"})
	require.NoError(t, err)
	assert.Equal(t, "vigil-alerts", sink.Topic())

	w, ok := sink.writer.(*kafkago.Writer)
	require.True(t, ok)
	assert.Equal(t, "vigil-alerts", w.Topic)
	assert.Equal(t, "1.2.3.4:9092", w.Addr.String())
	assert.IsType(t, &kafkago.Hash{}, w.Balancer)

	_, err = NewKafkaSink(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"b:9092"}})
	assert.Error(t, err)
}

func TestKafkaSink_Send(t *testing.T) {
	fw := &fakeKafkaWriter{}
	sink := &KafkaSink{topic: "t", writer: fw}

	rec := testRecord("db", 4, true, severity.Critical)
	require.NoError(t, sink.Send(context.Background(), rec))
	require.Len(t, fw.msgs, 1)

	msg := fw.msgs[0]
	assert.Equal(t, "db-host", string(msg.Key))
	assert.Equal(t, rec.Timestamp, msg.Time)

	var got severity.Record
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, rec.ID, got.ID)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"severity": "CRITICAL", "stream": "db"}, headers)

	rec.Source = ""
	require.NoError(t, sink.Send(context.Background(), rec))
	assert.Equal(t, "db", string(fw.msgs[1].Key), "stream is the fallback key")

	fw.err = errors.New("broker down")
	assert.ErrorContains(t, sink.Send(context.Background(), rec), "broker down")

	require.NoError(t, sink.Close())
	assert.True(t, fw.closed)
}
