package customers

import (
	"strings"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeNew     Type = "new"
	TypeNormal  Type = "normal"
	TypeVIP     Type = "vip"
	TypeBlocked Type = "blocked"
)

type Customer struct {
	entity.Base
	entity.SoftDelete
	Name     string `json:"name"`
	Nickname string `json:"nickname,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`

	Address     string `json:"address,omitempty"`
	SubDistrict string `json:"sub_district,omitempty"`
	District    string `json:"district,omitempty"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`

	// SocialIDs and SocialNames are keyed by platform.
	SocialIDs         map[entity.Platform]string `json:"social_ids,omitempty"`
	SocialNames       map[entity.Platform]string `json:"social_names,omitempty"`
	ProfilePictureURL string                     `json:"profile_picture_url,omitempty"`

	Type        Type            `json:"type"`
	TotalOrders int             `json:"total_orders"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	LastOrderAt *time.Time      `json:"last_order_at,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

func (c *Customer) FullAddress() string {
	var parts []string
	for _, p := range []string{c.Address, c.SubDistrict, c.District, c.Province, c.PostalCode} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (c *Customer) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	for _, n := range c.SocialNames {
		if n != "" {
			return n
		}
	}
	return "unknown"
}

func (c *Customer) clone() *Customer {
	cp := *c
	cp.SocialIDs = make(map[entity.Platform]string, len(c.SocialIDs))
	for k, v := range c.SocialIDs {
		cp.SocialIDs[k] = v
	}
	cp.SocialNames = make(map[entity.Platform]string, len(c.SocialNames))
	for k, v := range c.SocialNames {
		cp.SocialNames[k] = v
	}
	return &cp
}
