package entity

import (
	"time"

	"github.com/google/uuid"
)

// Identifiable, Timestamped and SoftDeletable are the capabilities shared by
// every stored record. Entities get them by embedding Base / SoftDelete.
type Identifiable interface {
	EntityID() string
}

type Timestamped interface {
	Created() time.Time
	Touch(t time.Time)
}

type SoftDeletable interface {
	Active() bool
	MarkDeleted(t time.Time)
}

type Base struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func NewBase(now time.Time) Base {
	return Base{ID: uuid.NewString(), CreatedAt: now.UTC()}
}

func (b *Base) EntityID() string   { return b.ID }
func (b *Base) Created() time.Time { return b.CreatedAt }

func (b *Base) Touch(t time.Time) {
	u := t.UTC()
	b.UpdatedAt = &u
}

type SoftDelete struct {
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (s *SoftDelete) Active() bool { return !s.IsDeleted }

func (s *SoftDelete) MarkDeleted(t time.Time) {
	if s.IsDeleted {
		return
	}
	u := t.UTC()
	s.IsDeleted = true
	s.DeletedAt = &u
}

// FilterActive is the read-path predicate every repository applies before
// handing rows back to callers.
func FilterActive[T SoftDeletable](in []T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v.Active() {
			out = append(out, v)
		}
	}
	return out
}
