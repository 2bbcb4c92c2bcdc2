package sensors

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/metrics"
)

// mqttQueueSize bounds the samples waiting for the estimator.
const mqttQueueSize = 256

// sampleQueue hands samples from the MQTT router to a single goroutine so
// they are published one at a time, in arrival order. The router callback
// never blocks on the estimator; when the queue is full the sample is
// dropped.
type sampleQueue struct {
	name    string
	ch      chan accel.Sample
	done    chan struct{}
	wg      sync.WaitGroup
	publish func(accel.Sample)
}

func newSampleQueue(name string, size int, publish func(accel.Sample)) *sampleQueue {
	q := &sampleQueue{
		name:    name,
		ch:      make(chan accel.Sample, size),
		done:    make(chan struct{}),
		publish: publish,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *sampleQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case s := <-q.ch:
			q.publish(s)
		}
	}
}

// push reports false when the sample was dropped.
func (q *sampleQueue) push(s accel.Sample) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- s:
		return true
	default:
		metrics.IncSensorError(q.name)
		return false
	}
}

// stop ends the drain goroutine and waits for it. Queued samples are
// discarded.
func (q *sampleQueue) stop() {
	close(q.done)
	q.wg.Wait()
}

// NewMQTTSource follows samples published as JSON {"x","y","z"} in g on
// topic. The topic is only subscribed while the hub has subscribers. The
// producer sets the rate, so SetSampleInterval has no effect on the feed.
//
// client must deliver in order (SetOrderMatters(true), the paho default).
func NewMQTTSource(client mqtt.Client, topic string, log *zap.SugaredLogger) *Hub {
	var h *Hub
	h = newHub("mqtt", log, func(_ time.Duration, publish func(accel.Sample)) (func(), error) {
		q := newSampleQueue("mqtt", mqttQueueSize, publish)
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var s accel.Sample
			if err := json.Unmarshal(msg.Payload(), &s); err != nil {
				metrics.IncSensorError("mqtt")
				h.log.Debugf("mqtt: bad sample on %s: %v", msg.Topic(), err)
				return
			}
			if !q.push(s) {
				h.log.Debugf("mqtt: sample queue full, dropped one")
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			q.stop()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		h.log.Infof("mqtt: subscribed to %s", topic)
		return func() {
			if t := client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
				h.log.Warnf("mqtt: unsubscribe %s: %v", topic, t.Error())
			}
			q.stop()
		}, nil
	})
	return h
}
