package telemetry

import (
	"encoding/json"

	"github.com/nsqio/go-nsq"
)

// DefaultBeaconTopic receives batches released by NSQBeacon.
const DefaultBeaconTopic = "telemetry_beacon"

// AsyncPublisher is the subset of *nsq.Producer used by NSQBeacon.
type AsyncPublisher interface {
	PublishAsync(topic string, body []byte, doneChan chan *nsq.ProducerTransaction, args ...interface{}) error
}

// NSQBeacon publishes teardown batches to an NSQ topic without waiting for the
// nsqd acknowledgment. The body is the same ReportRequest the HTTP transports send.
type NSQBeacon struct {
	pub   AsyncPublisher
	topic string
}

func NewNSQBeacon(pub AsyncPublisher, topic string) *NSQBeacon {
	if topic == "" {
		topic = DefaultBeaconTopic
	}
	return &NSQBeacon{pub: pub, topic: topic}
}

func (b *NSQBeacon) Send(events []Event) {
	if len(events) == 0 {
		return
	}
	body, err := json.Marshal(ReportRequest{Events: events})
	if err != nil {
		return
	}
	_ = b.pub.PublishAsync(b.topic, body, nil)
}
