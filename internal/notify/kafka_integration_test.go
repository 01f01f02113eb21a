//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"trustcheck/internal/domain"
	"trustcheck/internal/notify"
	"trustcheck/pkg/testutil/containers"
)

func TestKafkaChannel_ProducesEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	broker := containers.NewRedpandaContainer(t)

	const topic = "sanctions.change-events"
	require.NoError(t, broker.CreateTopic(ctx, topic))

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker.Broker))
	require.NoError(t, err)
	defer producer.Close()

	ch := notify.NewKafkaChannel(producer, topic)
	ev := domain.ChangeEvent{
		EventID: "e1", EntityUID: "OFAC-1", EntityName: "Ivan Petrov",
		Source: domain.SourceOFAC, Type: domain.ChangeRemoved, Risk: domain.RiskCritical,
		Summary: "Entity removed from sanctions list: Ivan Petrov",
		DetectedAt: time.Now(), RunID: "r1",
	}
	require.NoError(t, ch.Send(ctx, []domain.ChangeEvent{ev}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.Len(t, records, 1)
	require.Equal(t, "OFAC-1", string(records[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	require.Equal(t, "e1", got["event_id"])
	require.Equal(t, "CRITICAL", got["risk_level"])
}
