package pubsub

import (
	"context"
	"sort"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "dead-letters").Publish(context.Background(), "", map[string]string{"a": "b"})
	require.Error(t, err)
}

func TestPublishRejectsOtherTopic(t *testing.T) {
	t.Parallel()

	p := New(&pubsub.Publisher{}, "dead-letters")
	_, err := p.Publish(context.Background(), "retrievals", map[string]string{"a": "b"})
	require.ErrorIs(t, err, ErrTopicMismatch)
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, _, err := Open(context.Background(), "", "dead-letters")
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	c.Set("kind", "dead_letter")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	require.Equal(t, []string{"kind", "traceparent"}, keys)
}
