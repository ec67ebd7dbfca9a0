package notify

import (
	"context"
	"errors"
	"time"

	"github.com/monocle-dev/huddle/internal/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("notification not found")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ListOptions struct {
	Page       int
	PageSize   int
	UnreadOnly bool
}

func (o ListOptions) normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

// Store is the relational side of notifications. Every method that takes a
// user id only touches that user's rows.
type Store interface {
	Recipient(ctx context.Context, userID uint) (models.User, error)
	Create(ctx context.Context, n *models.Notification) error
	MarkRead(ctx context.Context, userID, id uint) (int64, error)
	MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error)
	MarkAllRead(ctx context.Context, userID uint) (int64, error)
	CountUnread(ctx context.Context, userID uint) (int64, error)
	List(ctx context.Context, userID uint, opts ListOptions) ([]models.Notification, int64, error)
	Delete(ctx context.Context, userID, id uint) (wasUnread bool, err error)
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Recipient(ctx context.Context, userID uint) (models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *GormStore) Create(ctx context.Context, n *models.Notification) error {
	n.IsRead = false
	n.ReadAt = nil
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *GormStore) unread(ctx context.Context, userID uint) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false)
}

func (s *GormStore) markRead(tx *gorm.DB) (int64, error) {
	res := tx.Updates(map[string]any{"is_read": true, "read_at": s.now()})
	return res.RowsAffected, res.Error
}

// MarkRead returns 0 for a notification that was already read and
// ErrNotFound when the user owns no such notification.
func (s *GormStore) MarkRead(ctx context.Context, userID, id uint) (int64, error) {
	n, err := s.markRead(s.unread(ctx, userID).Where("id = ?", id))
	if err != nil || n > 0 {
		return n, err
	}

	var exists int64
	err = s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Count(&exists).Error
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	return 0, nil
}

func (s *GormStore) MarkManyRead(ctx context.Context, userID uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.markRead(s.unread(ctx, userID).Where("id IN ?", ids))
}

func (s *GormStore) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	return s.markRead(s.unread(ctx, userID))
}

func (s *GormStore) CountUnread(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := s.unread(ctx, userID).Count(&n).Error
	return n, err
}

// List returns the user's notifications newest first, with the total
// matching the filter.
func (s *GormStore) List(ctx context.Context, userID uint, opts ListOptions) ([]models.Notification, int64, error) {
	opts = opts.normalize()

	scope := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
		if opts.UnreadOnly {
			query = query.Where("is_read = ?", false)
		}
		return query
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []models.Notification
	err := scope().
		Order("created_at DESC").
		Order("id DESC").
		Offset((opts.Page - 1) * opts.PageSize).
		Limit(opts.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

func (s *GormStore) Delete(ctx context.Context, userID, id uint) (bool, error) {
	var n models.Notification
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Notification{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrNotFound
	}
	return !n.IsRead, nil
}

// DeleteReadBefore removes read notifications created before cutoff.
// Unread ones are kept regardless of age.
func (s *GormStore) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}
