package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestParseSignal_ArmRoundTrip(t *testing.T) {
	in := ArmSignal{
		Side: SideLong, Symbol: "BTCUSDT", TF: "2m",
		TS: 1_700_000_040_000, IndTS: 1_699_999_920_000,
		IndHigh: d("35010.5"), IndLow: d("34800.3"),
		Trigger: d("35010.6"), Stop: d("34800.2"),
	}

	sig, err := ParseSignal(in.Fields())
	require.NoError(t, err)

	arm, ok := sig.(ArmSignal)
	require.True(t, ok, "want ArmSignal, got %T", sig)
	assert.Equal(t, SignalArm, arm.Type())
	assert.Equal(t, in.TS, arm.BarTS())
	assert.Equal(t, in.IndTS, arm.IndTS)
	assert.True(t, arm.Trigger.Equal(in.Trigger))
	assert.True(t, arm.Stop.Equal(in.Stop))
	assert.Equal(t, "BTCUSDT:1699999920000:long", arm.ID())
}

func TestParseSignal_DisarmRoundTrip(t *testing.T) {
	in := DisarmSignal{
		PrevSide: SideShort, Symbol: "ETHUSDT", TF: "2m",
		TS: 1_700_000_160_000, Reason: "regime_change",
	}

	sig, err := ParseSignal(in.Fields())
	require.NoError(t, err)

	dis, ok := sig.(DisarmSignal)
	require.True(t, ok, "want DisarmSignal, got %T", sig)
	assert.Equal(t, SignalDisarm, dis.Type())
	assert.Equal(t, in.PrevSide, dis.PrevSide)
	assert.Equal(t, in.Reason, dis.Reason)
}

func TestParseSignal_RejectsBadEntries(t *testing.T) {
	valid := ArmSignal{
		Side: SideLong, Symbol: "BTCUSDT", TF: "2m",
		TS: 1_700_000_040_000, IndTS: 1_699_999_920_000,
		IndHigh: d("35010.5"), IndLow: d("34800.3"),
		Trigger: d("35010.6"), Stop: d("34800.2"),
	}

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing trigger", func(m map[string]interface{}) { delete(m, "trigger") }},
		{"missing side", func(m map[string]interface{}) { delete(m, "side") }},
		{"missing version", func(m map[string]interface{}) { delete(m, "v") }},
		{"unknown version", func(m map[string]interface{}) { m["v"] = "2" }},
		{"unknown type", func(m map[string]interface{}) { m["type"] = "rebalance" }},
		{"invalid side", func(m map[string]interface{}) { m["side"] = "up" }},
		{"non-numeric ts", func(m map[string]interface{}) { m["ts"] = "yesterday" }},
		{"non-decimal stop", func(m map[string]interface{}) { m["stop"] = "n/a" }},
		{"zero trigger", func(m map[string]interface{}) { m["trigger"] = "0" }},
		{"non-string field", func(m map[string]interface{}) { m["sym"] = 42 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := valid.Fields()
			tc.mutate(fields)
			_, err := ParseSignal(fields)
			assert.Error(t, err)
		})
	}
}

func TestParseSignal_DisarmRejectsMissingReason(t *testing.T) {
	fields := DisarmSignal{
		PrevSide: SideLong, Symbol: "BTCUSDT", TF: "2m", TS: 1, Reason: "x",
	}.Fields()
	delete(fields, "reason")
	_, err := ParseSignal(fields)
	assert.Error(t, err)
}
