// Package mail delivers notification emails. Jobs are queued by the
// notification dispatcher and sent out of band, so a slow or failing mail
// server never holds up a request.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidJob  = errors.New("invalid email job")
	ErrQueueFull   = errors.New("email queue is full")
	ErrQueueClosed = errors.New("email queue is closed")
)

// Job is one email to send. It is serialized as JSON when it crosses NSQ.
type Job struct {
	NotificationID uint   `json:"notificationId"`
	UserID         uint   `json:"userId"`
	Kind           string `json:"kind"`
	To             string `json:"to"`
	Name           string `json:"name,omitempty"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

func (j Job) Validate() error {
	if j.To == "" {
		return fmt.Errorf("%w: recipient address is required", ErrInvalidJob)
	}
	if j.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidJob)
	}
	return nil
}

// Queue accepts jobs for asynchronous delivery.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Sender delivers a single job.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

func encodeJob(job Job) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
