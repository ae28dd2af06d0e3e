package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/tf-iot/core/internal/config"
)

func testClient() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.BrokerConfig{Host: "localhost", Port: 1883}, logger, nil)
}

func TestPublish_NotConnected(t *testing.T) {
	c := testClient()
	err := c.Publish(context.Background(), TopicRuleCallback, []byte(`{"rules":[]}`))
	if err == nil {
		t.Fatal("expected error publishing while disconnected")
	}
}

func TestConnected_InitiallyFalse(t *testing.T) {
	c := testClient()
	if c.Connected() {
		t.Error("Connected() should be false before Start")
	}
}

func TestDispatch_RecoversFromPanic(t *testing.T) {
	c := testClient()
	c.handler = func(topic string, payload []byte) {
		panic("boom")
	}

	// Must not panic the test.
	c.dispatch("rules/add", []byte(`{}`))
}

func TestDispatch_InvokesHandler(t *testing.T) {
	c := testClient()
	var gotTopic string
	var gotPayload []byte
	c.handler = func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}

	c.dispatch("A1/sensors/T1/data", []byte(`{"tipo":1}`))

	if gotTopic != "A1/sensors/T1/data" {
		t.Errorf("topic = %q, want A1/sensors/T1/data", gotTopic)
	}
	if string(gotPayload) != `{"tipo":1}` {
		t.Errorf("payload = %q", gotPayload)
	}
}

func TestStop_NeverStarted(t *testing.T) {
	c := testClient()
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on unstarted client should be a no-op, got %v", err)
	}
}
