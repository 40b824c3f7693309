//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	id "anchorline/pkg/domain"
	"anchorline/pkg/testutil/containers"
)

func TestKafkaPublisher_ProducesTransitionEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	redpanda := containers.GetManager().GetRedpanda(t)
	topic := "anchorline.evidence.events.test"

	publisher, err := NewKafkaPublisher(ctx, redpanda.Brokers, topic, testLogger())
	require.NoError(t, err)
	defer publisher.Close()

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(redpanda.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	event := Event{
		RecordID:        id.NewRecordID(),
		Fingerprint:     "sha256:abc",
		Status:          "confirmed",
		LedgerReference: "tx-001",
		Timestamp:       time.Now().UTC(),
	}
	publisher.Publish(ctx, event)

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, event.RecordID.String(), string(records[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	assert.Equal(t, event.RecordID, got.RecordID)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, "tx-001", got.LedgerReference)
}
