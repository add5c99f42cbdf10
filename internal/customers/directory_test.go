package customers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateFromSocial(t *testing.T) {
	d := NewDirectory(keylock.New(time.Second))
	ctx := context.Background()

	c, created, err := d.GetOrCreateFromSocial(ctx, Social{Platform: entity.PlatformFacebook, ID: "fb-1", Name: "Nok"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Nok", c.DisplayName())
	assert.Equal(t, TypeNew, c.Type)

	again, created, err := d.GetOrCreateFromSocial(ctx, Social{Platform: entity.PlatformFacebook, ID: "fb-1", Name: "Nok Shop"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "Nok Shop", again.SocialNames[entity.PlatformFacebook])

	other, created, err := d.GetOrCreateFromSocial(ctx, Social{Platform: entity.PlatformTikTok, ID: "fb-1"})
	require.NoError(t, err)
	assert.True(t, created, "same id on another platform is another person")
	assert.NotEqual(t, c.ID, other.ID)

	_, _, err = d.GetOrCreateFromSocial(ctx, Social{Platform: entity.PlatformLine})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetOrCreateConcurrentSameSender(t *testing.T) {
	d := NewDirectory(keylock.New(time.Second))
	ids := make(chan string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := d.GetOrCreateFromSocial(context.Background(), Social{Platform: entity.PlatformLine, ID: "u"})
			if err == nil {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestRecordOrderAndDelete(t *testing.T) {
	d := NewDirectory(keylock.New(time.Second))
	ctx := context.Background()
	c, _, err := d.GetOrCreateFromSocial(ctx, Social{Platform: entity.PlatformLine, ID: "u"})
	require.NoError(t, err)

	require.NoError(t, d.RecordOrder(ctx, c.ID, decimal.NewFromInt(300), time.Now()))
	require.NoError(t, d.RecordOrder(ctx, c.ID, decimal.NewFromInt(200), time.Now()))
	got, err := d.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalOrders)
	assert.True(t, decimal.NewFromInt(500).Equal(got.TotalSpent))
	assert.Equal(t, TypeNormal, got.Type)
	assert.NotNil(t, got.LastOrderAt)

	require.NoError(t, d.Delete(ctx, c.ID))
	_, err = d.Get(ctx, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFullAddress(t *testing.T) {
	c := &Customer{Address: "99/1 Soi 3", District: "Bang Rak", Province: "Bangkok", PostalCode: "10500"}
	assert.Equal(t, "99/1 Soi 3 Bang Rak Bangkok 10500", c.FullAddress())
}
