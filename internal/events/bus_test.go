package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func silentLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestBusSubscribeAndEmit(t *testing.T) {
	bus := NewBus(silentLogger())

	var received []*Event
	bus.Subscribe(MarketTick, func(e *Event) {
		received = append(received, e)
	})

	bus.Emit(MarketTick, "engine", map[string]interface{}{"biome": "forest", "price": float64(105)})
	bus.Emit(TradeExecuted, "marketplace", nil) // no subscriber, must not panic

	assert.Len(t, received, 1)
	assert.Equal(t, MarketTick, received[0].Type)
	assert.Equal(t, "engine", received[0].Module)
	assert.Equal(t, "forest", received[0].Data["biome"])
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus(silentLogger())

	count := 0
	bus.Subscribe(UserOnline, func(e *Event) { count++ })
	bus.Subscribe(UserOnline, func(e *Event) { count++ })

	bus.Emit(UserOnline, "hub", map[string]interface{}{"user_id": "u1"})
	assert.Equal(t, 2, count)
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus(silentLogger())

	called := false
	bus.Subscribe(MarketTick, func(e *Event) { panic("bad handler") })
	bus.Subscribe(MarketTick, func(e *Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Emit(MarketTick, "engine", nil)
	})
	assert.True(t, called, "handler after the panicking one must still run")
}

func TestManagerEmitTyped(t *testing.T) {
	bus := NewBus(silentLogger())
	manager := NewManager(bus, silentLogger())

	var got *Event
	bus.Subscribe(MarketTick, func(e *Event) { got = e })

	manager.EmitTyped("engine", &MarketTickData{
		Biome:       "desert",
		Price:       95,
		Pool:        875,
		TotalShares: 10,
		PctChange:   -0.05,
		At:          1700000000000,
	})

	assert.NotNil(t, got)
	typed := got.GetTypedData()
	tick, ok := typed.(*MarketTickData)
	assert.True(t, ok)
	assert.Equal(t, "desert", tick.Biome)
	assert.Equal(t, int64(95), tick.Price)
	assert.Equal(t, int64(875), tick.Pool)
}
