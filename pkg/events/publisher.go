// Package events publishes order status changes to RocketMQ for downstream consumers.
package events

import (
	"context"
	"encoding/json"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/model"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/sirupsen/logrus"
)

const DefaultTopic = "proxy_order_status_events"

type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// Publisher is best effort: a failed send is logged and never fails the
// state change that triggered it. A nil producer disables publishing.
type Publisher struct {
	producer MQProducer
	topic    string
	log      *logrus.Logger
}

func NewPublisher(producer MQProducer, topic string, log *logrus.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic, log: log}
}

func (p *Publisher) PublishStatus(ctx context.Context, event model.OrderStatusEvent) {
	if p == nil || p.producer == nil {
		return
	}
	data, _ := json.Marshal(event)

	// 发送消息到mq
	msg := primitive.NewMessage(p.topic, data)
	msg.WithKeys([]string{event.OrderID})
	msg.WithTag(string(event.Status))
	msg.WithShardingKey(event.OrderID)

	res, err := p.producer.SendSync(ctx, msg)
	if err != nil {
		p.log.Errorf("[Publisher] Failed to send status event (%s) for order %s: %v", event.Status, event.OrderID, err)
		return
	}
	if res.Status != primitive.SendOK {
		p.log.Warnf("[Publisher] Status event (%s) for order %s not acknowledged: %v", event.Status, event.OrderID, res.Status)
		return
	}
	p.log.Infof("[Publisher] Sent status event (%s) for order %s. MsgID: %s", event.Status, event.OrderID, res.MsgID)
}
