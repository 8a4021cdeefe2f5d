package pubsub

import (
	"context"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type chatPayload struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

func (c chatPayload) Attributes() map[string]string {
	return map[string]string{"run_id": c.RunID}
}

func (c chatPayload) OrderingKey() string {
	return c.RunID
}

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/test-project/topics/chat-items"})
	require.NoError(t, err)
	return srv, client
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Topic: "t"})
	require.Error(t, err)
	_, client := newTestClient(t)
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPublishAddsAttributesAndTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	srv, client := newTestClient(t)
	pub, err := New(client, Config{Topic: "chat-items", Ordered: true})
	require.NoError(t, err)
	defer pub.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	id, err := pub.Publish(ctx, "", chatPayload{RunID: "run-1", Message: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"run_id":"run-1","message":"hello"}`, string(msgs[0].Data))
	assert.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	assert.Contains(t, msgs[0].Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestPublishPlainPayload(t *testing.T) {
	srv, client := newTestClient(t)
	pub, err := New(client, Config{Topic: "chat-items"})
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "chat-items", map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "chat-items", map[string]int{"n": 2})
	require.NoError(t, err)
	assert.Len(t, srv.Messages(), 2)

	_, err = pub.Publish(context.Background(), "", func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal payload")
}

func TestPublishMissingTopic(t *testing.T) {
	_, client := newTestClient(t)
	pub, err := New(client, Config{Topic: "chat-items"})
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "does-not-exist", map[string]string{"a": "b"})
	require.Error(t, err)
}
