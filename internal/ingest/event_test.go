package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

func TestDecodeValidEvents(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		typ  EventType
	}{
		{"mint", `{"event_type":"token_mint","timestamp":1718000000000000,"token_mint":"So111"}`, EventTokenMint},
		{"liquidity", `{"event_type":"liquidity_event","timestamp":1,"token_mint":"So111","pool":"raydium"}`, EventLiquidity},
		{"price number", `{"event_type":"price_update","timestamp":1,"token_mint":"So111","price":0.000123}`, EventPriceUpdate},
		{"price string", `{"event_type":"price_update","timestamp":1,"token_mint":"So111","price":"142.5"}`, EventPriceUpdate},
		{"transaction", `{"event_type":"transaction","timestamp":1,"amount":"2.5","wallet":"9xQe"}`, EventTransaction},
		{"transaction without wallet", `{"event_type":"transaction","timestamp":1,"amount":10}`, EventTransaction},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev, err := Decode("events:test", []byte(c.msg))
			require.NoError(t, err)
			assert.Equal(t, c.typ, ev.Type)
			assert.Equal(t, "events:test", ev.Channel)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name  string
		msg   string
		field string
	}{
		{"not json", `{"event_type":`, ""},
		{"null", `null`, ""},
		{"no type", `{"timestamp":1}`, "event_type"},
		{"unknown type", `{"event_type":"airdrop","timestamp":1}`, "event_type"},
		{"no timestamp", `{"event_type":"token_mint","token_mint":"x"}`, "timestamp"},
		{"fractional timestamp", `{"event_type":"token_mint","timestamp":1.5,"token_mint":"x"}`, "timestamp"},
		{"negative timestamp", `{"event_type":"token_mint","timestamp":-4,"token_mint":"x"}`, "timestamp"},
		{"mint missing token", `{"event_type":"token_mint","timestamp":1}`, "token_mint"},
		{"liquidity blank token", `{"event_type":"liquidity_event","timestamp":1,"token_mint":"  "}`, "token_mint"},
		{"price missing price", `{"event_type":"price_update","timestamp":1,"token_mint":"x"}`, "price"},
		{"price not numeric", `{"event_type":"price_update","timestamp":1,"token_mint":"x","price":"abc"}`, "price"},
		{"price negative", `{"event_type":"price_update","timestamp":1,"token_mint":"x","price":-1}`, "price"},
		{"transaction missing amount", `{"event_type":"transaction","timestamp":1}`, "amount"},
		{"transaction zero amount", `{"event_type":"transaction","timestamp":1,"amount":"0"}`, "amount"},
		{"transaction bad wallet", `{"event_type":"transaction","timestamp":1,"amount":1,"wallet":7}`, "wallet"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode("", []byte(c.msg))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchema))
			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, c.field, se.Field)
		})
	}
}

func TestPayloadKeepsDecimalPrecision(t *testing.T) {
	ev, err := Decode("events:price", []byte(`{"event_type":"price_update","timestamp":1718000000000001,"token_mint":"So111","price":0.000000012345678901234}`))
	require.NoError(t, err)
	p := ev.Payload()
	assert.Equal(t, "0.000000012345678901234", p["price"])
	assert.Equal(t, int64(1718000000000001), p["timestamp"])
	assert.Equal(t, "So111", p["token_mint"])
	assert.Equal(t, "events:price", p["channel"])
}

func TestEventMapping(t *testing.T) {
	assert.Equal(t, []domain.TaskType{domain.TypeTokenMetrics, domain.TypeMetadataFetch}, EventTokenMint.Tasks())
	assert.Equal(t, []domain.TaskType{domain.TypeTokenMetrics, domain.TypeArbitrageScan}, EventLiquidity.Tasks())
	assert.Equal(t, []domain.TaskType{domain.TypePriceUpdate}, EventPriceUpdate.Tasks())
	assert.Equal(t, []domain.TaskType{domain.TypeStreamEvent, domain.TypeMEVDetection}, EventTransaction.Tasks())
	for _, typ := range []EventType{EventTokenMint, EventLiquidity, EventPriceUpdate, EventTransaction} {
		for _, tt := range typ.Tasks() {
			assert.True(t, tt.Known(), tt)
		}
	}
}
