package mail

import (
	"bytes"
	"fmt"
	"io"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

const mailer = "Huddle"

// Compose renders job as a single-part text/plain RFC 5322 message.
func Compose(from, fromName string, job Job, now time.Time) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if from == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidJob)
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(job.Subject)
	h.SetAddressList("From", []*gomail.Address{{Name: fromName, Address: from}})
	h.SetAddressList("To", []*gomail.Address{{Name: job.Name, Address: job.To}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Mailer", mailer)
	if job.Kind != "" {
		h.Set("X-Huddle-Kind", job.Kind)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, job.Body); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}

	return buf.Bytes(), nil
}
