package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	jobs []Job
	err  error
	gate chan struct{}
}

func (s *recordingSender) Send(_ context.Context, job Job) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return s.err
}

func (s *recordingSender) sent() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

func sampleJob() Job {
	return Job{
		NotificationID: 12,
		UserID:         3,
		Kind:           "task_assigned",
		To:             "carol@example.com",
		Name:           "Carol",
		Subject:        "You were assigned: Write release notes",
		Body:           "Alice assigned you a task in Launch.",
	}
}

func TestJobValidate(t *testing.T) {
	assert.NoError(t, sampleJob().Validate())

	job := sampleJob()
	job.To = ""
	assert.ErrorIs(t, job.Validate(), ErrInvalidJob)

	job = sampleJob()
	job.Subject = ""
	assert.ErrorIs(t, job.Validate(), ErrInvalidJob)
}

func TestCompose(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	raw, err := Compose("noreply@huddle.dev", "Huddle", sampleJob(), now)
	require.NoError(t, err)

	r, err := gomail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "You were assigned: Write release notes", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "carol@example.com", to[0].Address)
	assert.Equal(t, "Carol", to[0].Name)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "noreply@huddle.dev", from[0].Address)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, now.Equal(date))
	assert.Equal(t, "task_assigned", r.Header.Get("X-Huddle-Kind"))

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Alice assigned you a task in Launch.", string(body))
}

func TestComposeRequiresSender(t *testing.T) {
	_, err := Compose("", "", sampleJob(), time.Now())
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestLocalQueueDelivers(t *testing.T) {
	sender := &recordingSender{}
	q := NewLocalQueue(sender, 2, 8)

	for i := 0; i < 5; i++ {
		job := sampleJob()
		job.NotificationID = uint(i + 1)
		require.NoError(t, q.Enqueue(context.Background(), job))
	}
	q.Close()

	assert.Len(t, sender.sent(), 5)
	assert.ErrorIs(t, q.Enqueue(context.Background(), sampleJob()), ErrQueueClosed)
}

func TestLocalQueueFull(t *testing.T) {
	sender := &recordingSender{gate: make(chan struct{})}
	q := NewLocalQueue(sender, 1, 1)

	// One job is held by the blocked worker, one fills the buffer.
	require.NoError(t, q.Enqueue(context.Background(), sampleJob()))
	require.Eventually(t, func() bool { return len(q.jobs) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), sampleJob()))

	assert.ErrorIs(t, q.Enqueue(context.Background(), sampleJob()), ErrQueueFull)

	close(sender.gate)
	q.Close()
	assert.Len(t, sender.sent(), 2)
}

func TestLocalQueueRejectsInvalidJob(t *testing.T) {
	q := NewLocalQueue(&recordingSender{}, 1, 1)
	defer q.Close()

	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{}), ErrInvalidJob)
}

func TestLocalQueueSendFailureIsLogged(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	q := NewLocalQueue(sender, 1, 4)

	require.NoError(t, q.Enqueue(context.Background(), sampleJob()))
	q.Close()
	assert.Len(t, sender.sent(), 1)
}

func nsqMessage(t *testing.T, body []byte, attempts uint16) *nsq.Message {
	t.Helper()
	m := nsq.NewMessage(nsq.MessageID{}, body)
	m.Attempts = attempts
	return m
}

func TestConsumerHandleMessage(t *testing.T) {
	payload, err := json.Marshal(sampleJob())
	require.NoError(t, err)

	t.Run("delivers", func(t *testing.T) {
		sender := &recordingSender{}
		c := &Consumer{cfg: ConsumerConfig{MaxAttempts: 3, HandleTimeout: time.Second}, sender: sender}

		assert.NoError(t, c.HandleMessage(nsqMessage(t, payload, 1)))
		assert.Equal(t, []Job{sampleJob()}, sender.sent())
	})

	t.Run("malformed message is finished", func(t *testing.T) {
		sender := &recordingSender{}
		c := &Consumer{cfg: ConsumerConfig{MaxAttempts: 3, HandleTimeout: time.Second}, sender: sender}

		assert.NoError(t, c.HandleMessage(nsqMessage(t, []byte("{"), 1)))
		assert.NoError(t, c.HandleMessage(nsqMessage(t, []byte(`{"subject":"no recipient"}`), 1)))
		assert.Empty(t, sender.sent())
	})

	t.Run("send failure requeues until the last attempt", func(t *testing.T) {
		sender := &recordingSender{err: errors.New("451 try again later")}
		c := &Consumer{cfg: ConsumerConfig{MaxAttempts: 3, HandleTimeout: time.Second}, sender: sender}

		assert.Error(t, c.HandleMessage(nsqMessage(t, payload, 1)))
		assert.Error(t, c.HandleMessage(nsqMessage(t, payload, 2)))
		assert.NoError(t, c.HandleMessage(nsqMessage(t, payload, 3)))
	})
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{Channel: "mailer", NSQDAddrs: []string{"127.0.0.1:4150"}}, LogSender{})
	assert.Error(t, err)

	_, err = NewConsumer(ConsumerConfig{Topic: "huddle-email", Channel: "mailer"}, LogSender{})
	assert.Error(t, err)

	c, err := NewConsumer(ConsumerConfig{Topic: "huddle-email", Channel: "mailer", NSQDAddrs: []string{"127.0.0.1:4150"}}, LogSender{})
	require.NoError(t, err)
	assert.Equal(t, uint16(defaultMaxAttempts), c.cfg.MaxAttempts)
	assert.Equal(t, 1, c.cfg.Concurrency)
}

func TestSMTPSenderPort(t *testing.T) {
	cases := []struct {
		cfg  SMTPConfig
		want int
	}{
		{SMTPConfig{}, DefaultSMTPPort},
		{SMTPConfig{UseSSL: true}, DefaultSMTPSSLPort},
		{SMTPConfig{UseTLS: true}, DefaultSMTPSTARTTLSPort},
		{SMTPConfig{Port: 2525, UseSSL: true}, 2525},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NewSMTPSender(tc.cfg).port())
	}
}

func TestSMTPSenderRequiresHost(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{From: "noreply@huddle.dev"})
	assert.Error(t, s.Send(context.Background(), sampleJob()))
}
