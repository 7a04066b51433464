package spool

import (
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/lanceiq/payspool/internal/config"
)

// NSQPublisher publishes spool nudges and advisory dead letters. Both topics
// are best-effort signals; the database holds the real queue.
type NSQPublisher struct {
	prod       *nsq.Producer
	spoolTopic string
	deadTopic  string
}

func NewNSQPublisher(cfg config.NSQ) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQPublisher{
		prod:       prod,
		spoolTopic: cfg.SpoolTopic,
		deadTopic:  cfg.DeadTopic,
	}, nil
}

func (p *NSQPublisher) Nudge(n Nudge) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.prod.Publish(p.spoolTopic, b)
}

func (p *NSQPublisher) PublishDead(dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return p.prod.Publish(p.deadTopic, b)
}

func (p *NSQPublisher) Stop() {
	p.prod.Stop()
}
