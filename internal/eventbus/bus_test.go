package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeMonitorStarted, Data: "x"})

	ea := <-a
	ec := <-c
	assert.Equal(t, TypeMonitorStarted, ea.Type)
	assert.Equal(t, "x", ec.Data)
	assert.False(t, ea.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})

	assert.Equal(t, "one", (<-ch).Type)
	assert.Len(t, ch, 0)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
