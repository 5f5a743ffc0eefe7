package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLongThesis() TradeThesis {
	return TradeThesis{
		Symbol:      "AAPL",
		Catalyst:    "earnings beat",
		Direction:   DirectionLong,
		Horizon:     HorizonShortSwing,
		EntryPrice:  100,
		TargetPrice: 110,
		StopPrice:   95,
		Confidence:  0.7,
	}
}

func TestThesisValidate_Long(t *testing.T) {
	th := validLongThesis()
	require.NoError(t, th.Validate())

	// Target must sit above entry for a long
	th = validLongThesis()
	th.TargetPrice = 99
	assert.Error(t, th.Validate())

	// Stop must sit below entry for a long
	th = validLongThesis()
	th.StopPrice = 101
	assert.Error(t, th.Validate())
}

func TestThesisValidate_Short(t *testing.T) {
	th := TradeThesis{
		Symbol:      "TSLA",
		Catalyst:    "guidance cut",
		Direction:   DirectionShort,
		Horizon:     HorizonIntraday,
		EntryPrice:  200,
		TargetPrice: 180,
		StopPrice:   210,
		Confidence:  0.6,
	}
	require.NoError(t, th.Validate())

	th.TargetPrice = 205
	assert.Error(t, th.Validate(), "short target above entry should fail")

	th.TargetPrice = 180
	th.StopPrice = 195
	assert.Error(t, th.Validate(), "short stop below entry should fail")
}

func TestThesisValidate_Fields(t *testing.T) {
	th := validLongThesis()
	th.Symbol = ""
	assert.Error(t, th.Validate())

	th = validLongThesis()
	th.Catalyst = ""
	assert.Error(t, th.Validate())

	th = validLongThesis()
	th.Confidence = 1.5
	assert.Error(t, th.Validate())

	th = validLongThesis()
	th.StopPrice = 0
	assert.Error(t, th.Validate())

	th = validLongThesis()
	th.Horizon = Horizon("WEEKLY")
	assert.Error(t, th.Validate())

	th = validLongThesis()
	th.Direction = Direction("SIDEWAYS")
	assert.Error(t, th.Validate())
}

func TestPositionUnrealizedPnL(t *testing.T) {
	long := Position{Direction: DirectionLong, EntryPrice: 100, Quantity: 10}
	assert.InDelta(t, 50.0, long.UnrealizedPnL(105), 1e-9)
	assert.InDelta(t, -30.0, long.UnrealizedPnL(97), 1e-9)

	short := Position{Direction: DirectionShort, EntryPrice: 100, Quantity: 10}
	assert.InDelta(t, 50.0, short.UnrealizedPnL(95), 1e-9)
	assert.InDelta(t, -30.0, short.UnrealizedPnL(103), 1e-9)
}
