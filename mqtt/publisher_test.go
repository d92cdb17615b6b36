package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"taglink/config"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return 1 }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and subscriptions in memory.
type fakeClient struct {
	opts       *pahomqtt.ClientOptions
	connectErr error

	mu        sync.Mutex
	published []published
	subs      map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() pahomqtt.Token {
	if c.connectErr == nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return &fakeToken{err: c.connectErr}
}
func (c *fakeClient) Disconnect(uint) {}
func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, retained, payload.([]byte)})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, p := range c.published {
		out[i] = p.topic
	}
	return out
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.subs[topic]
	c.mu.Unlock()
	if cb != nil {
		cb(c, &fakeMessage{topic: topic, payload: payload})
	}
}

func newTestPublisher(cfg *config.MQTTConfig) (*Publisher, *fakeClient) {
	fc := &fakeClient{subs: make(map[string]pahomqtt.MessageHandler)}
	p := NewPublisher(cfg, "plant")
	p.newClient = func(o *pahomqtt.ClientOptions) pahomqtt.Client {
		fc.opts = o
		return fc
	}
	return p, fc
}

type countingObserver struct {
	mu        sync.Mutex
	published int
	inbound   map[string]int
	failures  int
}

func (o *countingObserver) Published(string, error) {
	o.mu.Lock()
	o.published++
	o.mu.Unlock()
}

func (o *countingObserver) Inbound(_ string, kind string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inbound == nil {
		o.inbound = make(map[string]int)
	}
	o.inbound[kind]++
	if err != nil {
		o.failures++
	}
}

func TestNewPublisher_DefaultClientID(t *testing.T) {
	cfg := &config.MQTTConfig{Name: "a"}
	p := NewPublisher(cfg, "plant")
	if len(p.Config().ClientID) != len("taglink-")+8 {
		t.Errorf("ClientID = %q", p.Config().ClientID)
	}

	cfg2 := &config.MQTTConfig{Name: "b", ClientID: "fixed"}
	if NewPublisher(cfg2, "plant").Config().ClientID != "fixed" {
		t.Error("explicit client id overwritten")
	}
}

func TestPublisher_Address(t *testing.T) {
	tests := []struct {
		cfg  config.MQTTConfig
		want string
	}{
		{config.MQTTConfig{Broker: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{config.MQTTConfig{Broker: "broker", Port: 8883, UseTLS: true}, "ssl://broker:8883"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := NewPublisher(&tc.cfg, "ns").Address(); got != tc.want {
				t.Errorf("Address() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPublisher_StartPublishStop(t *testing.T) {
	p, fc := newTestPublisher(&config.MQTTConfig{Name: "local", Broker: "localhost", Port: 1883, Selector: "line1"})
	obs := &countingObserver{}
	p.SetObserver(obs)

	if p.Publish(1, []byte(`{}`), false) {
		t.Fatal("publish before start should fail")
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if !p.IsRunning() {
		t.Fatal("not running after Start")
	}
	if fc.opts.WillTopic != "plant/line1/health" || !fc.opts.WillRetained {
		t.Errorf("will = %q retained=%v", fc.opts.WillTopic, fc.opts.WillRetained)
	}

	payload := []byte(`{"id":1,"value":3}`)
	if !p.Publish(1, payload, false) {
		t.Error("first publish should be sent")
	}
	if p.Publish(1, payload, false) {
		t.Error("unchanged payload should be skipped")
	}
	if !p.Publish(1, payload, true) {
		t.Error("forced publish should be sent")
	}
	if !p.Publish(1, []byte(`{"id":1,"value":4}`), false) {
		t.Error("changed payload should be sent")
	}

	p.Stop()
	if p.IsRunning() {
		t.Error("still running after Stop")
	}
	p.Stop()

	want := []string{
		"plant/line1/health",
		"plant/line1/tags/1",
		"plant/line1/tags/1",
		"plant/line1/tags/1",
		"plant/line1/health",
	}
	got := fc.topics()
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, pub := range fc.published {
		if !pub.retained {
			t.Errorf("publish to %s not retained", pub.topic)
		}
	}
	if obs.published != 3 {
		t.Errorf("observer published = %d, want 3", obs.published)
	}
}

func TestPublisher_ConnectError(t *testing.T) {
	p, fc := newTestPublisher(&config.MQTTConfig{Name: "x"})
	fc.connectErr = errors.New("refused")
	if err := p.Start(); err == nil {
		t.Fatal("expected connect error")
	}
	if p.IsRunning() {
		t.Error("running after failed connect")
	}
}

func TestPublisher_Inbound(t *testing.T) {
	p, fc := newTestPublisher(&config.MQTTConfig{Name: "in", Inbound: true})
	obs := &countingObserver{}
	p.SetObserver(obs)

	updates := make(chan string, 4)
	p.SetUpdateHandler(func(b []byte) error {
		updates <- string(b)
		return nil
	})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if _, ok := fc.subs["plant/update"]; !ok {
		t.Fatalf("update topic not subscribed: %v", fc.subs)
	}
	if _, ok := fc.subs["plant/supervision"]; !ok {
		t.Fatal("supervision topic not subscribed")
	}

	fc.deliver("plant/update", []byte(`{"id":1}`))
	select {
	case got := <-updates:
		if got != `{"id":1}` {
			t.Errorf("handler got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("update handler not called")
	}

	// No supervision handler set: counted as a failure.
	fc.deliver("plant/supervision", []byte(`{}`))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		obs.mu.Lock()
		n := obs.failures
		obs.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("missing supervision handler was not reported")
}

func TestPublisher_NoInboundSubscriptions(t *testing.T) {
	p, fc := newTestPublisher(&config.MQTTConfig{Name: "out"})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	if len(fc.subs) != 0 {
		t.Errorf("unexpected subscriptions: %v", fc.subs)
	}
}
