package mail

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
)

const (
	defaultUserAgent     = "huddle-mailer"
	defaultMaxAttempts   = 5
	defaultHandleTimeout = 30 * time.Second
)

// NSQQueue publishes jobs to an nsqd topic for the mail consumer.
type NSQQueue struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQQueue(addr, topic string) (*NSQQueue, error) {
	cfg := nsq.NewConfig()
	cfg.UserAgent = defaultUserAgent

	producer, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	producer.SetLogger(log.New(os.Stdout, "[nsq] ", log.LstdFlags), nsq.LogLevelWarning)

	return &NSQQueue{producer: producer, topic: topic}, nil
}

// Enqueue publishes synchronously. go-nsq's Publish takes no context.
func (q *NSQQueue) Enqueue(_ context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.producer.Publish(q.topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", q.topic, err)
	}
	return nil
}

func (q *NSQQueue) Ping() error {
	return q.producer.Ping()
}

func (q *NSQQueue) Close() {
	q.producer.Stop()
}

type ConsumerConfig struct {
	Topic         string
	Channel       string
	NSQDAddrs     []string
	LookupdAddrs  []string
	Concurrency   int
	MaxAttempts   uint16
	HandleTimeout time.Duration
}

// Consumer reads jobs from NSQ and hands them to a Sender. Malformed jobs
// are finished immediately; send failures are requeued until MaxAttempts.
type Consumer struct {
	cfg      ConsumerConfig
	sender   Sender
	consumer *nsq.Consumer
}

func NewConsumer(cfg ConsumerConfig, sender Sender) (*Consumer, error) {
	if cfg.Topic == "" || cfg.Channel == "" {
		return nil, fmt.Errorf("nsq topic and channel are required")
	}
	if len(cfg.NSQDAddrs) == 0 && len(cfg.LookupdAddrs) == 0 {
		return nil, fmt.Errorf("no nsqd or lookupd address configured")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}

	nsqCfg := nsq.NewConfig()
	nsqCfg.UserAgent = defaultUserAgent
	nsqCfg.MaxInFlight = cfg.Concurrency
	nsqCfg.MaxAttempts = cfg.MaxAttempts

	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("create nsq consumer: %w", err)
	}
	consumer.SetLogger(log.New(os.Stdout, "[nsq] ", log.LstdFlags), nsq.LogLevelWarning)

	c := &Consumer{cfg: cfg, sender: sender, consumer: consumer}
	consumer.AddConcurrentHandlers(c, cfg.Concurrency)
	return c, nil
}

// Start connects to the configured nsqd nodes and lookupds.
func (c *Consumer) Start() error {
	for _, addr := range c.cfg.NSQDAddrs {
		if err := c.consumer.ConnectToNSQD(addr); err != nil {
			return fmt.Errorf("connect to nsqd %s: %w", addr, err)
		}
	}
	for _, addr := range c.cfg.LookupdAddrs {
		if err := c.consumer.ConnectToNSQLookupd(addr); err != nil {
			return fmt.Errorf("connect to lookupd %s: %w", addr, err)
		}
	}
	log.Printf("[mail] consuming %s/%s", c.cfg.Topic, c.cfg.Channel)
	return nil
}

func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

// HandleMessage implements nsq.Handler.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	job, err := decodeJob(m.Body)
	if err != nil {
		log.Printf("[mail] discarding message %s: %v", m.ID[:], err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
	defer cancel()

	if err := c.sender.Send(ctx, job); err != nil {
		if m.Attempts >= c.cfg.MaxAttempts {
			log.Printf("[mail] giving up on notification %d to %s after %d attempts: %v", job.NotificationID, job.To, m.Attempts, err)
			return nil
		}
		log.Printf("[mail] send notification %d to %s failed (attempt %d): %v", job.NotificationID, job.To, m.Attempts, err)
		return err
	}

	return nil
}
