package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	messages []message
	fail     string
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.messages = append(f.messages, message{topic, retained, payload.([]byte)})
	if topic == f.fail {
		return doneToken{err: errors.New("not authorized")}
	}
	return doneToken{}
}

func TestMQTTWrite(t *testing.T) {
	pub := &fakePublisher{}
	m := &MQTT{client: pub, prefix: "greensens", log: zap.NewNop()}

	if err := m.Write(context.Background(), testSnapshot(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := []string{
		"greensens/status",
		"greensens/living_room/gs-1/state",
		"greensens/living_room/gs-2/state",
	}
	if len(pub.messages) != len(want) {
		t.Fatalf("published %d messages, want %d", len(pub.messages), len(want))
	}
	for i, topic := range want {
		if pub.messages[i].topic != topic || !pub.messages[i].retained {
			t.Errorf("message %d = %s (retained %v), want %s", i, pub.messages[i].topic, pub.messages[i].retained, topic)
		}
	}

	var status map[string]any
	if err := json.Unmarshal(pub.messages[0].payload, &status); err != nil {
		t.Fatal(err)
	}
	if status["authenticated"] != true || status["lastError"] != "OK" || status["hubs"] != 1.0 {
		t.Errorf("status = %v", status)
	}
}

func TestMQTTWriteBeforeFirstFetch(t *testing.T) {
	pub := &fakePublisher{}
	m := &MQTT{client: pub, prefix: "greensens", log: zap.NewNop()}

	if err := m.Write(context.Background(), greensens.Snapshot{LastError: "bad credentials"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(pub.messages) != 1 || pub.messages[0].topic != "greensens/status" {
		t.Errorf("messages = %v", pub.messages)
	}
}

func TestMQTTWriteContinuesAfterFailure(t *testing.T) {
	pub := &fakePublisher{fail: "greensens/living_room/gs-1/state"}
	m := &MQTT{client: pub, prefix: "greensens", log: zap.NewNop()}

	err := m.Write(context.Background(), testSnapshot(t))
	if err == nil {
		t.Fatal("Write() succeeded despite a failed publish")
	}
	if len(pub.messages) != 3 {
		t.Errorf("published %d messages, want 3", len(pub.messages))
	}
}

func TestTopicSegment(t *testing.T) {
	for in, want := range map[string]string{
		"Living Room": "living_room",
		"a/b":         "a_b",
		"GS+#1":       "gs__1",
	} {
		if got := topicSegment(in); got != want {
			t.Errorf("topicSegment(%q) = %q, want %q", in, got, want)
		}
	}
}
