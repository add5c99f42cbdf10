package customers

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/shopspring/decimal"
)

// Social identifies a chat sender on one platform.
type Social struct {
	Platform   entity.Platform
	ID         string
	Name       string
	PictureURL string
}

// Directory resolves chat senders to customers, creating them on first CF.
type Directory struct {
	mu       sync.RWMutex
	rows     map[string]*Customer
	bySocial map[string]string
	locks    *keylock.Locker
	now      func() time.Time
}

func NewDirectory(locks *keylock.Locker) *Directory {
	return &Directory{
		rows:     map[string]*Customer{},
		bySocial: map[string]string{},
		locks:    locks,
		now:      time.Now,
	}
}

func socialKey(p entity.Platform, id string) string { return string(p) + ":" + id }

// GetOrCreateFromSocial returns the customer bound to s, creating one when
// the sender has never been seen. created reports whether a new row was made.
func (d *Directory) GetOrCreateFromSocial(ctx context.Context, s Social) (c *Customer, created bool, err error) {
	if s.ID == "" {
		return nil, false, apperr.Validation("social id is required")
	}
	key := socialKey(s.Platform, s.ID)
	unlock, err := d.locks.Lock(ctx, "customer:"+key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.bySocial[key]; ok {
		if cur := d.rows[id]; cur != nil && cur.Active() {
			if s.Name != "" && cur.SocialNames[s.Platform] != s.Name {
				cur.SocialNames[s.Platform] = s.Name
				cur.Touch(d.now())
			}
			return cur.clone(), false, nil
		}
	}

	now := d.now()
	c = &Customer{
		Base:              entity.NewBase(now),
		Name:              s.Name,
		SocialIDs:         map[entity.Platform]string{s.Platform: s.ID},
		SocialNames:       map[entity.Platform]string{s.Platform: s.Name},
		ProfilePictureURL: s.PictureURL,
		Type:              TypeNew,
		TotalSpent:        decimal.Zero,
	}
	d.rows[c.ID] = c
	d.bySocial[key] = c.ID
	return c.clone(), true, nil
}

func (d *Directory) Get(_ context.Context, id string) (*Customer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.rows[id]
	if !ok || !c.Active() {
		return nil, apperr.NotFound("customer", id)
	}
	return c.clone(), nil
}

// Update replaces contact and address details. Statistics and social
// bindings are left as they are.
func (d *Directory) Update(_ context.Context, in *Customer) (*Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.rows[in.ID]
	if !ok || !c.Active() {
		return nil, apperr.NotFound("customer", in.ID)
	}
	c.Name, c.Nickname, c.Phone, c.Email = in.Name, in.Nickname, in.Phone, in.Email
	c.Address, c.SubDistrict, c.District = in.Address, in.SubDistrict, in.District
	c.Province, c.PostalCode, c.Notes = in.Province, in.PostalCode, in.Notes
	if in.Type != "" {
		c.Type = in.Type
	}
	c.Touch(d.now())
	return c.clone(), nil
}

// RecordOrder bumps the order statistics after an order is created.
func (d *Directory) RecordOrder(_ context.Context, id string, total decimal.Decimal, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.rows[id]
	if !ok {
		return apperr.NotFound("customer", id)
	}
	c.TotalOrders++
	c.TotalSpent = c.TotalSpent.Add(total)
	at = at.UTC()
	c.LastOrderAt = &at
	if c.Type == TypeNew {
		c.Type = TypeNormal
	}
	c.Touch(d.now())
	return nil
}

func (d *Directory) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.rows[id]
	if !ok || !c.Active() {
		return apperr.NotFound("customer", id)
	}
	c.MarkDeleted(d.now())
	return nil
}
