// Package notify creates per-user notifications and delivers them live and
// by email, subject to each recipient's preferences. The relational row is
// the source of truth; the cached unread counter, the live push and the
// email are each best-effort and never undo the row.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/mail"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/realtime"
)

// Pusher delivers an event to every live connection of a user.
type Pusher interface {
	ToUser(userID uint, ev realtime.Event) (realtime.Delivery, error)
}

type Options struct {
	ImportantKinds []Kind
	CounterTTL     time.Duration
}

type Dispatcher struct {
	store      Store
	counters   cache.Store
	pusher     Pusher
	queue      mail.Queue
	important  map[Kind]struct{}
	counterTTL time.Duration
	now        func() time.Time
}

// NewDispatcher wires a dispatcher. queue may be nil, in which case no
// email is ever sent.
func NewDispatcher(store Store, counters cache.Store, pusher Pusher, queue mail.Queue, opts Options) *Dispatcher {
	kinds := opts.ImportantKinds
	if kinds == nil {
		kinds = DefaultImportantKinds
	}
	important := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		important[k] = struct{}{}
	}

	return &Dispatcher{
		store:      store,
		counters:   counters,
		pusher:     pusher,
		queue:      queue,
		important:  important,
		counterTTL: opts.CounterTTL,
		now:        time.Now,
	}
}

type Request struct {
	UserID  uint
	Kind    Kind
	Title   string
	Message string
	Payload any
}

// Outcome records what each delivery step did. Step errors are reported
// here and never returned from Notify.
type Outcome struct {
	Skipped      bool
	Notification *models.Notification
	CounterErr   error
	Pushed       bool
	Connections  int
	PushErr      error
	EmailQueued  bool
	EmailErr     error
}

type Result struct {
	UserID  uint
	Outcome Outcome
	Err     error
}

// Notify creates one notification. The error is non-nil only when the
// recipient could not be loaded or the row could not be written; in both
// cases nothing was delivered.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome

	if req.UserID == 0 || req.Kind == "" || req.Title == "" {
		return out, errors.New("notify: user, kind and title are required")
	}

	user, err := d.store.Recipient(ctx, req.UserID)
	if err != nil {
		return out, fmt.Errorf("load recipient %d: %w", req.UserID, err)
	}
	prefs := user.Prefs()

	if !Allowed(prefs, req.Kind) {
		out.Skipped = true
		return out, nil
	}

	n := &models.Notification{
		UserID:  req.UserID,
		Kind:    string(req.Kind),
		Title:   req.Title,
		Message: req.Message,
	}
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return out, fmt.Errorf("encode payload: %w", err)
		}
		n.Payload = raw
	}
	if err := d.store.Create(ctx, n); err != nil {
		return out, fmt.Errorf("create notification for user %d: %w", req.UserID, err)
	}
	out.Notification = n

	out.CounterErr = d.adjustCounter(ctx, req.UserID, 1)

	if prefs.PushEnabled() {
		delivery, err := d.pusher.ToUser(req.UserID, realtime.NotificationNew{Notification: *n})
		out.Connections = delivery.Delivered
		out.Pushed = delivery.Delivered > 0
		out.PushErr = err
		if err != nil {
			log.Printf("[notify] push notification %d to user %d: %v", n.ID, req.UserID, err)
		}
	}

	if _, ok := d.important[req.Kind]; ok && prefs.EmailEnabled() && d.queue != nil {
		job := mail.Job{
			NotificationID: n.ID,
			UserID:         user.ID,
			Kind:           n.Kind,
			To:             user.Email,
			Name:           user.Name,
			Subject:        n.Title,
			Body:           n.Message,
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			out.EmailErr = err
			log.Printf("[notify] queue email for notification %d: %v", n.ID, err)
		} else {
			out.EmailQueued = true
		}
	}

	return out, nil
}

// NotifyMany notifies each user independently. A failure for one recipient
// does not stop the others.
func (d *Dispatcher) NotifyMany(ctx context.Context, userIDs []uint, req Request) []Result {
	seen := make(map[uint]struct{}, len(userIDs))
	results := make([]Result, 0, len(userIDs))

	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup || userID == 0 {
			continue
		}
		seen[userID] = struct{}{}

		r := req
		r.UserID = userID
		out, err := d.Notify(ctx, r)
		if err != nil {
			log.Printf("[notify] %s for user %d: %v", req.Kind, userID, err)
		}
		results = append(results, Result{UserID: userID, Outcome: out, Err: err})
	}

	return results
}

func (d *Dispatcher) MarkRead(ctx context.Context, userID, id uint) (int64, error) {
	n, err := d.store.MarkRead(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.adjustCounter(ctx, userID, -n)
		d.pushRead(userID, realtime.NotificationRead{NotificationIDs: []uint{id}})
	}
	return n, nil
}

func (d *Dispatcher) MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	ids = uniqueIDs(ids)
	n, err := d.store.MarkManyRead(ctx, userID, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.adjustCounter(ctx, userID, -n)
		d.pushRead(userID, realtime.NotificationRead{NotificationIDs: ids})
	}
	return n, nil
}

// MarkAllRead drops the counter whether or not any row changed. The next
// UnreadCount recomputes it, which picks up a notification created after the
// rows were updated.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	n, err := d.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}

	if err := d.counters.Delete(ctx, cache.UnreadCountKey(userID)); err != nil {
		log.Printf("[notify] reset unread counter for user %d: %v", userID, err)
	}
	if n > 0 {
		d.pushRead(userID, realtime.NotificationRead{All: true})
	}
	return n, nil
}

// UnreadCount serves the cached counter, recomputing it from the database
// on a miss.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	key := cache.UnreadCountKey(userID)

	var cached int64
	hit, err := d.counters.Get(ctx, key, &cached)
	if err != nil {
		log.Printf("[notify] read unread counter for user %d: %v", userID, err)
	}
	if hit && err == nil {
		return cached, nil
	}

	n, err := d.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}

	// SetNX so a counter written by a concurrent Notify is not overwritten.
	if _, err := d.counters.SetNX(ctx, key, n, d.counterTTL); err != nil {
		log.Printf("[notify] populate unread counter for user %d: %v", userID, err)
	}
	return n, nil
}

type Page struct {
	Items    []models.Notification `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
}

func (d *Dispatcher) List(ctx context.Context, userID uint, opts ListOptions) (Page, error) {
	opts = opts.normalize()
	items, total, err := d.store.List(ctx, userID, opts)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []models.Notification{}
	}
	return Page{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

func (d *Dispatcher) Delete(ctx context.Context, userID, id uint) error {
	wasUnread, err := d.store.Delete(ctx, userID, id)
	if err != nil {
		return err
	}
	if wasUnread {
		d.adjustCounter(ctx, userID, -1)
	}
	return nil
}

// Sweep deletes read notifications older than olderThan. Unread counters
// are unaffected.
func (d *Dispatcher) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention age must be positive")
	}
	return d.store.DeleteReadBefore(ctx, d.now().Add(-olderThan))
}

// adjustCounter applies delta to a counter that is already cached. A
// missing counter is left missing; the next UnreadCount recomputes it.
func (d *Dispatcher) adjustCounter(ctx context.Context, userID uint, delta int64) error {
	if _, _, err := d.counters.IncrExisting(ctx, cache.UnreadCountKey(userID), delta); err != nil {
		log.Printf("[notify] adjust unread counter for user %d by %d: %v", userID, delta, err)
		return err
	}
	return nil
}

func (d *Dispatcher) pushRead(userID uint, ev realtime.NotificationRead) {
	if _, err := d.pusher.ToUser(userID, ev); err != nil {
		log.Printf("[notify] push read state to user %d: %v", userID, err)
	}
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
