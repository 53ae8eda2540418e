package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspect360/credits/notify"
)

func TestBrokerDeliversPerOrganization(t *testing.T) {
	b := notify.NewBroker(4)
	acme, cancelAcme := b.Subscribe("org_acme")
	defer cancelAcme()
	other, cancelOther := b.Subscribe("org_other")
	defer cancelOther()

	ev := notify.NewEvent("org_acme", notify.ReasonCheckout)
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case got := <-acme:
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, notify.ReasonCheckout, got.Reason)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-other:
		t.Fatalf("unexpected event for other org: %+v", got)
	default:
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := notify.NewBroker(1)
	ch, cancel := b.Subscribe("org_acme")

	for range 3 {
		require.NoError(t, b.Publish(context.Background(), notify.NewEvent("org_acme", notify.ReasonEntryAppended)))
	}
	assert.Len(t, ch, 1)

	cancel()
	cancel()
	_, open := <-ch
	assert.True(t, open, "buffered event survives close")
	_, open = <-ch
	assert.False(t, open)
}

func TestMultiJoinsErrors(t *testing.T) {
	var delivered int
	ok := notify.PublisherFunc(func(context.Context, notify.Event) error {
		delivered++
		return nil
	})
	boom := errors.New("boom")
	failing := notify.PublisherFunc(func(context.Context, notify.Event) error { return boom })

	err := notify.Multi(ok, failing, ok).Publish(context.Background(), notify.NewEvent("org", "x"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, delivered)
}

func TestRedisPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	pub := notify.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer pub.Close()

	ctx := context.Background()
	require.NoError(t, pub.Ping(ctx))
	assert.Equal(t, "credits:ledger:org_acme", pub.Channel("org_acme"))

	ps := pub.Subscribe(ctx, "org_acme")
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	ev := notify.NewEvent("org_acme", notify.ReasonRenewal)
	require.NoError(t, pub.Publish(ctx, ev))

	select {
	case msg := <-ps.Channel():
		var got notify.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "org_acme", got.OrganizationID)
		assert.Equal(t, notify.ReasonRenewal, got.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("redis message not received")
	}
}

func TestNewRedisPublisherFromURLRejectsBadURL(t *testing.T) {
	_, err := notify.NewRedisPublisherFromURL("invalid://url", "")
	assert.Error(t, err)
}
