package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/AaronLay10/SceneForge/internal/events"
)

// Broker is the part of Client the relay needs.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Progress is one relayed progress update.
type Progress struct {
	ProjectID string `json:"project_id"`
	SceneID   string `json:"scene_id"`
	Kind      string `json:"kind"`
	Value     int    `json:"value"`
	Max       int    `json:"max"`
}

// ProgressTopic returns the topic progress for projectID is published on.
func ProgressTopic(prefix, projectID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "sceneforge"
	}
	return fmt.Sprintf("%s/projects/%s/progress", prefix, projectID)
}

// Publisher relays progress updates to the broker.
type Publisher struct {
	broker Broker
	prefix string

	mu          sync.Mutex
	errorLogged bool
}

// NewPublisher returns a publisher on broker using topic prefix.
func NewPublisher(broker Broker, prefix string) *Publisher {
	return &Publisher{broker: broker, prefix: prefix}
}

// Progress publishes one update. Failures are reported once as a
// relay.error event and otherwise dropped; progress is best-effort.
func (p *Publisher) Progress(projectID, sceneID, kind string, value, max int) {
	if !p.broker.IsConnected() {
		return
	}
	payload, err := json.Marshal(Progress{
		ProjectID: projectID,
		SceneID:   sceneID,
		Kind:      kind,
		Value:     value,
		Max:       max,
	})
	if err != nil {
		return
	}

	if err := p.broker.Publish(ProgressTopic(p.prefix, projectID), payload); err != nil {
		p.mu.Lock()
		first := !p.errorLogged
		p.errorLogged = true
		p.mu.Unlock()
		if first {
			events.Emit("error", "relay.error", "failed to publish progress", map[string]interface{}{
				"project_id": projectID,
				"error":      err.Error(),
			})
		}
		return
	}

	p.mu.Lock()
	p.errorLogged = false
	p.mu.Unlock()
}

// Watcher follows progress topics. Subscribing to a project twice is a
// no-op.
type Watcher struct {
	mu         sync.RWMutex
	broker     Broker
	prefix     string
	subscribed map[string]bool
}

// NewWatcher returns a watcher on broker.
func NewWatcher(broker Broker, prefix string) *Watcher {
	return &Watcher{
		broker:     broker,
		prefix:     prefix,
		subscribed: make(map[string]bool),
	}
}

// Watch delivers progress for projectID to fn. Malformed payloads are skipped.
func (w *Watcher) Watch(projectID string, fn func(Progress)) error {
	topic := ProgressTopic(w.prefix, projectID)

	w.mu.Lock()
	if w.subscribed[topic] {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	handler := func(_ paho.Client, msg paho.Message) {
		var p Progress
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			return
		}
		fn(p)
	}
	if err := w.broker.Subscribe(topic, handler); err != nil {
		return err
	}

	w.mu.Lock()
	w.subscribed[topic] = true
	w.mu.Unlock()
	return nil
}

// Stop unsubscribes from projectID.
func (w *Watcher) Stop(projectID string) error {
	topic := ProgressTopic(w.prefix, projectID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.subscribed[topic] {
		return nil
	}
	delete(w.subscribed, topic)
	return w.broker.Unsubscribe(topic)
}

// IsWatching reports whether projectID is subscribed.
func (w *Watcher) IsWatching(projectID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subscribed[ProgressTopic(w.prefix, projectID)]
}
