package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()

	id, err := pub.Publish(context.Background(), "indexing-runs", map[string]string{"source": "telegram"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = pub.Publish(context.Background(), "indexing-runs", map[string]string{"source": "twitter"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "indexing-runs", msgs[0].Topic)
	require.Equal(t, map[string]string{"source": "telegram"}, msgs[0].Payload)
}
