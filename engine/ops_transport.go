package engine

import (
	"fmt"

	"taglink/kafka"
	"taglink/push"
)

// TransportStatus describes one configured transport endpoint.
type TransportStatus struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Running bool   `json:"running"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListTransports returns the status of every MQTT, Kafka and Valkey endpoint.
func (e *Engine) ListTransports() []TransportStatus {
	var out []TransportStatus
	for _, pub := range e.mqttMgr.List() {
		out = append(out, TransportStatus{Kind: "mqtt", Name: pub.Name(), Address: pub.Address(), Running: pub.IsRunning()})
	}
	for _, name := range e.kafkaMgr.ListClusters() {
		p := e.kafkaMgr.GetProducer(name)
		if p == nil {
			continue
		}
		status := p.GetStatus()
		st := TransportStatus{Kind: "kafka", Name: name, Status: status.String(), Running: status == kafka.StatusConnected}
		if err := p.GetError(); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	for _, pub := range e.valkeyMgr.List() {
		out = append(out, TransportStatus{Kind: "valkey", Name: pub.Name(), Address: pub.Address(), Running: pub.IsRunning()})
	}
	return out
}

// ListPushes returns the status of every push webhook.
func (e *Engine) ListPushes() []push.PushInfo {
	return e.pushMgr.GetAllPushInfo()
}

// StartMQTT starts an MQTT publisher and republishes the current state to it.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.forcePublish(func(id int64, data []byte) { pub.Publish(id, data, true) })
	e.emit(EventMQTTStarted, ServiceEvent{Name: name})
	return nil
}

// StopMQTT stops an MQTT publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventMQTTStopped, ServiceEvent{Name: name})
	return nil
}

// StartValkey starts a Valkey publisher and stores the current state.
func (e *Engine) StartValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.forcePublish(func(id int64, data []byte) { pub.Publish(id, data) })
	e.emit(EventValkeyStarted, ServiceEvent{Name: name})
	return nil
}

// StopValkey stops a Valkey publisher.
func (e *Engine) StopValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventValkeyStopped, ServiceEvent{Name: name})
	return nil
}

// ConnectKafka connects a Kafka cluster.
func (e *Engine) ConnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.emit(EventKafkaConnected, ServiceEvent{Name: name})
	return nil
}

// DisconnectKafka disconnects a Kafka cluster.
func (e *Engine) DisconnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	e.kafkaMgr.Disconnect(name)
	e.emit(EventKafkaDisconnected, ServiceEvent{Name: name})
	return nil
}

// StartPush starts a push webhook.
func (e *Engine) StartPush(name string) error {
	if err := e.pushMgr.StartPush(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	e.emit(EventPushStarted, ServiceEvent{Name: name})
	return nil
}

// StopPush stops a push webhook.
func (e *Engine) StopPush(name string) error {
	if err := e.pushMgr.StopPush(name); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	e.emit(EventPushStopped, ServiceEvent{Name: name})
	return nil
}

// TestFirePush sends a push webhook's body immediately.
func (e *Engine) TestFirePush(name string) error {
	if e.pushMgr.GetPush(name) == nil {
		return fmt.Errorf("%w: push '%s'", ErrNotFound, name)
	}
	return e.pushMgr.TestFirePush(name)
}
