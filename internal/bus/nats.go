package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Subjects published by the profiler.
const (
	SubjectAlertCreated          = "alert.created"
	SubjectRecommendationCreated = "recommendation.created"
	SubjectJobCompleted          = "job.completed"
	SubjectTargetUpdated         = "target.updated"
)

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

type Subscriber struct {
	Conn *nats.Conn
}

// TargetEvent signals that a monitoring target changed and its pooled
// connections should be rebuilt.
type TargetEvent struct {
	TargetID int64 `json:"target_id"`
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) SubscribeTargetUpdates(handler func(TargetEvent)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(SubjectTargetUpdated, func(msg *nats.Msg) {
		var evt TargetEvent
		_ = json.Unmarshal(msg.Data, &evt)
		handler(evt)
	})
}
