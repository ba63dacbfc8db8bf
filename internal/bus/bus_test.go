package bus

import (
	"errors"
	"testing"

	"github.com/modelexchange/mxf/pkg/models"
)

func TestEmitDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil, nil)
	var order []int
	b.Subscribe(models.EventHeartbeat, func(models.Event) { order = append(order, 1) })
	b.Subscribe(models.EventHeartbeat, func(models.Event) { order = append(order, 2) })
	b.Subscribe(models.EventHeartbeat, func(models.Event) { order = append(order, 3) })

	b.Emit(models.NewEvent(models.EventHeartbeat, nil))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("delivery order = %v", order)
	}
}

func TestEmitDropsUnknownKind(t *testing.T) {
	b := New(nil, nil)
	called := false
	b.Subscribe(models.EventKind("bogus:kind"), func(models.Event) { called = true })

	b.Emit(models.Event{Kind: models.EventKind("bogus:kind")})

	if called {
		t.Error("event with unknown kind must be dropped")
	}
}

func TestOnceDeliversExactlyOnce(t *testing.T) {
	b := New(nil, nil)
	count := 0
	b.Once(models.EventHeartbeat, func(models.Event) { count++ })

	b.Emit(models.NewEvent(models.EventHeartbeat, nil))
	b.Emit(models.NewEvent(models.EventHeartbeat, nil))

	if count != 1 {
		t.Errorf("once handler ran %d times", count)
	}
	if n := b.SubscriptionCount(); n != 0 {
		t.Errorf("once subscription leaked: count = %d", n)
	}
}

func TestSubscriberAddedDuringDeliveryWaitsForNextEmit(t *testing.T) {
	b := New(nil, nil)
	lateCalls := 0
	b.Subscribe(models.EventHeartbeat, func(models.Event) {
		b.Subscribe(models.EventHeartbeat, func(models.Event) { lateCalls++ })
	})

	b.Emit(models.NewEvent(models.EventHeartbeat, nil))
	if lateCalls != 0 {
		t.Error("subscriber added during delivery was invoked in the same emit")
	}
	b.Emit(models.NewEvent(models.EventHeartbeat, nil))
	if lateCalls != 1 {
		t.Errorf("late subscriber ran %d times after second emit", lateCalls)
	}
}

func TestPanickingHandlerDoesNotAbortDelivery(t *testing.T) {
	b := New(nil, nil)
	var systemErrors []models.Event
	b.Subscribe(models.EventSystemError, func(ev models.Event) { systemErrors = append(systemErrors, ev) })

	delivered := false
	b.Subscribe(models.EventHeartbeat, func(models.Event) { panic("boom") })
	b.Subscribe(models.EventHeartbeat, func(models.Event) { delivered = true })

	b.Emit(models.NewEvent(models.EventHeartbeat, nil))

	if !delivered {
		t.Error("panic aborted delivery to the remaining subscriber")
	}
	if len(systemErrors) != 1 {
		t.Fatalf("expected one system:error, got %d", len(systemErrors))
	}
	var payload map[string]any
	if err := systemErrors[0].DecodeData(&payload); err != nil {
		t.Fatalf("decode system:error: %v", err)
	}
	if payload["source_kind"] != string(models.EventHeartbeat) {
		t.Errorf("source_kind = %v", payload["source_kind"])
	}
}

func TestPanickingSystemErrorHandlerDoesNotRecurse(t *testing.T) {
	b := New(nil, nil)
	calls := 0
	b.Subscribe(models.EventSystemError, func(models.Event) {
		calls++
		panic("handler itself broken")
	})
	b.Emit(models.NewEvent(models.EventSystemError, nil))
	if calls != 1 {
		t.Errorf("system:error handler ran %d times", calls)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil, nil)
	count := 0
	sub := b.Subscribe(models.EventHeartbeat, func(models.Event) { count++ })
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // double release is a no-op
	b.Unsubscribe(Subscription{})

	b.Emit(models.NewEvent(models.EventHeartbeat, nil))
	if count != 0 {
		t.Error("unsubscribed handler was invoked")
	}
	if n := b.SubscriptionCount(); n != 0 {
		t.Errorf("subscription count = %d", n)
	}
}

func TestCloseRejectsNewSubscriptions(t *testing.T) {
	b := New(nil, nil)
	b.Subscribe(models.EventHeartbeat, func(models.Event) {})
	b.Close()
	if n := b.SubscriptionCount(); n != 0 {
		t.Errorf("close kept %d subscriptions", n)
	}
	sub := b.Subscribe(models.EventHeartbeat, func(models.Event) {})
	if sub.id != 0 {
		t.Error("closed bus accepted a subscription")
	}
}

type fakeTransport struct {
	sent      []models.Event
	connected bool
	err       error
}

func (f *fakeTransport) Send(ev models.Event) error {
	f.sent = append(f.sent, ev)
	return f.err
}

func (f *fakeTransport) Connected() bool { return f.connected }

func TestClientBusForwardsWhenConnected(t *testing.T) {
	tp := &fakeTransport{connected: true}
	c := NewClient(New(nil, nil), tp)

	local := 0
	c.Subscribe(models.EventMessageChannel, func(models.Event) { local++ })
	c.Emit(models.NewEvent(models.EventMessageChannel, nil).WithChannel("chan-1"))

	if local != 1 {
		t.Error("local delivery skipped")
	}
	if len(tp.sent) != 1 {
		t.Fatalf("transport got %d events", len(tp.sent))
	}
	if tp.sent[0].Meta.Source != models.SourceSDK {
		t.Errorf("source = %q, want sdk", tp.sent[0].Meta.Source)
	}
}

func TestClientBusSkipsDisconnectedTransport(t *testing.T) {
	tp := &fakeTransport{connected: false}
	c := NewClient(New(nil, nil), tp)
	c.Emit(models.NewEvent(models.EventMessageChannel, nil))
	if len(tp.sent) != 0 {
		t.Error("emit forwarded to a disconnected transport")
	}
}

func TestClientBusToleratesSendFailure(t *testing.T) {
	tp := &fakeTransport{connected: true, err: errors.New("broken pipe")}
	c := NewClient(New(nil, nil), tp)
	delivered := false
	c.Subscribe(models.EventMessageChannel, func(models.Event) { delivered = true })
	c.Emit(models.NewEvent(models.EventMessageChannel, nil))
	if !delivered {
		t.Error("send failure must not block local delivery")
	}
}

func TestClientBusReceiveDoesNotForward(t *testing.T) {
	tp := &fakeTransport{connected: true}
	c := NewClient(New(nil, nil), tp)
	c.Receive(models.NewEvent(models.EventMessageChannel, nil))
	if len(tp.sent) != 0 {
		t.Error("received event echoed back onto the transport")
	}
}

type fakeRouter struct {
	channels []string
	events   []models.Event
}

func (f *fakeRouter) Broadcast(channelID string, ev models.Event) {
	f.channels = append(f.channels, channelID)
	f.events = append(f.events, ev)
}

func TestServerBusRoutesChannelScopedEvents(t *testing.T) {
	router := &fakeRouter{}
	s := NewServer(New(nil, nil), router)

	s.Emit(models.NewEvent(models.EventMessageChannel, nil).WithChannel("chan-1"))
	s.Emit(models.NewEvent(models.EventHeartbeat, nil)) // no channel

	if len(router.channels) != 1 || router.channels[0] != "chan-1" {
		t.Errorf("routed channels = %v", router.channels)
	}
	if router.events[0].Meta.Source != models.SourceServer {
		t.Errorf("source = %q, want server", router.events[0].Meta.Source)
	}
}

func TestServerBusSetRouter(t *testing.T) {
	s := NewServer(New(nil, nil), nil)
	s.Emit(models.NewEvent(models.EventMessageChannel, nil).WithChannel("chan-1")) // nil router tolerated

	router := &fakeRouter{}
	s.SetRouter(router)
	s.Emit(models.NewEvent(models.EventMessageChannel, nil).WithChannel("chan-1"))
	if len(router.channels) != 1 {
		t.Errorf("router saw %d events after SetRouter", len(router.channels))
	}
}
