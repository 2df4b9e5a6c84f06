package feed

import (
	"encoding/json"
	"testing"
	"time"

	"bookstream/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func assertLevels(t *testing.T, want, got []types.PriceLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price), "price[%d]: want %s got %s", i, want[i].Price, got[i].Price)
		assert.True(t, want[i].Size.Equal(got[i].Size), "size[%d]: want %s got %s", i, want[i].Size, got[i].Size)
	}
}

func TestNormalizeRejectsUnstructured(t *testing.T) {
	for _, frame := range []string{"", "   ", "PONG", "42", `"text"`} {
		_, err := Normalize([]byte(frame))
		assert.ErrorIs(t, err, ErrNotStructured, "frame %q", frame)
	}

	_, err := Normalize([]byte(`{"event_type": "book"`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Normalize([]byte(`[{"event_type": "book"},`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		obj  string
		want types.EventKind
		ok   bool
	}{
		{"event_type wins", `{"event_type":"price_change","bids":[]}`, types.EventPriceChange, true},
		{"type discriminator", `{"type":"pong"}`, types.EventPong, true},
		{"unknown discriminator passes through", `{"event_type":"tick_size_change"}`, types.EventKind("tick_size_change"), true},
		{"empty discriminator falls back to shape", `{"event_type":"","asks":[]}`, types.EventBook, true},
		{"bids only", `{"asset_id":"a","bids":[]}`, types.EventBook, true},
		{"asks only", `{"asks":[]}`, types.EventBook, true},
		{"price changes", `{"price_changes":[]}`, types.EventPriceChange, true},
		{"trade shape", `{"asset_id":"a","price":"0.5"}`, types.EventLastTradePrice, true},
		{"price without asset", `{"price":"0.5"}`, "", false},
		{"nothing matches", `{"foo":1}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(tt.obj), &f))
			kind, ok := Classify(f)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestNormalizeBookWithoutDiscriminator(t *testing.T) {
	events, err := Normalize([]byte(`{"asset_id":"tok","bids":[["0.45","100"]]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.EventBook, ev.Kind)
	assert.Equal(t, types.AssetID("tok"), ev.AssetID)
	require.Len(t, ev.Books, 1)
	assertLevels(t, []types.PriceLevel{level("0.45", "100")}, ev.Books[0].Bids)
	assert.Empty(t, ev.Books[0].Asks)
}

func TestNormalizeBookShapes(t *testing.T) {
	direct := `{"event_type":"book","asset_id":"tok","market":"0xm","timestamp":"1700000000000",
		"bids":[{"price":"0.48","size":"30"},[0.47, 10]],
		"asks":[["0.52","25"],{"price":0.53,"size":"0"}]}`
	wrapped := `{"event_type":"book","events":[
		{"asset_id":"tok","market":"0xm","timestamp":1700000000000,
		 "bids":[["0.48","30"],{"price":"0.47","size":10}],
		 "asks":[{"price":"0.52","size":"25"},["0.53","0"]]}]}`

	for name, frame := range map[string]string{"direct": direct, "wrapped": wrapped} {
		t.Run(name, func(t *testing.T) {
			events, err := Normalize([]byte(frame))
			require.NoError(t, err)
			require.Len(t, events, 1)

			ev := events[0]
			assert.Equal(t, types.EventBook, ev.Kind)
			assert.Equal(t, "0xm", ev.Market)
			assert.Equal(t, time.UnixMilli(1700000000000), ev.Timestamp)
			assert.Zero(t, ev.Skipped)
			require.Len(t, ev.Books, 1)

			book := ev.Books[0]
			assert.Equal(t, types.AssetID("tok"), book.AssetID)
			assertLevels(t, []types.PriceLevel{level("0.48", "30"), level("0.47", "10")}, book.Bids)
			assertLevels(t, []types.PriceLevel{level("0.52", "25"), level("0.53", "0")}, book.Asks)
		})
	}
}

func TestNormalizeBookMultipleAssets(t *testing.T) {
	events, err := Normalize([]byte(`{"events":[
		{"asset_id":"a","bids":[["0.1","1"]]},
		{"asset_id":"b","asks":[["0.9","1"]]}], "type":"book"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].Books, 2)
	assert.Equal(t, types.AssetID("a"), events[0].Books[0].AssetID)
	assert.Equal(t, types.AssetID("b"), events[0].Books[1].AssetID)
	assert.Empty(t, events[0].AssetID)
}

func TestNormalizeSkipsMalformedEntries(t *testing.T) {
	frame := `{"asset_id":"tok","bids":[
		["0.40","5"],
		["0.41"],
		["abc","5"],
		{"price":"0.42"},
		{"price":null,"size":"1"},
		"garbage",
		["0.43","-1"],
		["0.44","7"]]}`

	events, err := Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 6, events[0].Skipped)
	assertLevels(t, []types.PriceLevel{level("0.40", "5"), level("0.44", "7")}, events[0].Books[0].Bids)
}

func TestNormalizeArrayFrame(t *testing.T) {
	frame := `[
		{"event_type":"book","asset_id":"a","bids":[],"asks":[["0.6","1"]]},
		{"foo":"bar"},
		{"event_type":"last_trade_price","asset_id":"a","price":"0.6","size":"3","side":"BUY"},
		7,
		{"type":"pong"}]`

	events, err := Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventBook, events[0].Kind)
	assert.Equal(t, types.EventLastTradePrice, events[1].Kind)
	assert.Equal(t, types.EventPong, events[2].Kind)
}

func TestNormalizePriceChange(t *testing.T) {
	t.Run("per change asset ids", func(t *testing.T) {
		frame := `{"event_type":"price_change","market":"0xm","timestamp":"1700000000001","price_changes":[
			{"asset_id":"a","price":"0.5","size":"200","side":"BUY","best_bid":"0.5","best_ask":"0.51"},
			{"asset_id":"b","price":"0.49","size":"0","side":"SELL"},
			{"asset_id":"c","price":"0.49","size":"1","side":"MIDDLE"}]}`

		events, err := Normalize([]byte(frame))
		require.NoError(t, err)
		require.Len(t, events, 1)

		ev := events[0]
		assert.Equal(t, types.EventPriceChange, ev.Kind)
		assert.Equal(t, 1, ev.Skipped)
		require.Len(t, ev.Changes, 2)

		assert.Equal(t, types.AssetID("a"), ev.Changes[0].AssetID)
		assert.Equal(t, types.Buy, ev.Changes[0].Side)
		assert.Equal(t, "0.51", ev.Changes[0].BestAsk)
		assert.Equal(t, types.AssetID("b"), ev.Changes[1].AssetID)
		assert.Equal(t, types.Sell, ev.Changes[1].Side)
		assert.True(t, ev.Changes[1].Price.Size.IsZero())
	})

	t.Run("top level asset id", func(t *testing.T) {
		frame := `{"event_type":"price_change","asset_id":"a","changes":[{"price":"0.3","size":"4","side":"buy"}]}`

		events, err := Normalize([]byte(frame))
		require.NoError(t, err)
		require.Len(t, events[0].Changes, 1)
		assert.Equal(t, types.AssetID("a"), events[0].Changes[0].AssetID)
	})

	t.Run("shape inferred", func(t *testing.T) {
		events, err := Normalize([]byte(`{"price_changes":[{"asset_id":"a","price":"0.3","size":"4","side":"SELL"}]}`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, types.EventPriceChange, events[0].Kind)
	})
}

func TestNormalizeLastTrade(t *testing.T) {
	events, err := Normalize([]byte(`{"asset_id":"a","price":0.61,"size":"12","side":"SELL","timestamp":"1700000000002"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.EventLastTradePrice, ev.Kind)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, types.Sell, ev.Trade.Side)
	assert.True(t, ev.Trade.Level.Price.Equal(decimal.RequireFromString("0.61")))
	assert.Equal(t, time.UnixMilli(1700000000002), ev.Timestamp)

	_, err = Normalize([]byte(`{"asset_id":"a","price":"nope"}`))
	require.NoError(t, err)
}

func TestNormalizeError(t *testing.T) {
	events, err := Normalize([]byte(`{"type":"error","message":"invalid asset"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Kind)
	assert.Equal(t, "invalid asset", events[0].Message)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    types.PriceLevel
		wantErr bool
	}{
		{raw: `["0.5","10"]`, want: level("0.5", "10")},
		{raw: `[0.5, 10]`, want: level("0.5", "10")},
		{raw: `{"price":"0.5","size":10}`, want: level("0.5", "10")},
		{raw: `{"size":"1","price":"0.25","extra":true}`, want: level("0.25", "1")},
		{raw: `["0.5","10","x"]`, wantErr: true},
		{raw: `[]`, wantErr: true},
		{raw: `{"price":"","size":"1"}`, wantErr: true},
		{raw: `0.5`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLevel(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Price.Equal(got.Price))
			assert.True(t, tt.want.Size.Equal(got.Size))
		})
	}
}
