// Package feed turns raw upstream frames into typed events.
//
// A frame is either one JSON object or an array of them. Each object is
// classified by the first matching rule, in this fixed order:
//
//  1. an explicit "event_type" or "type" string field, used verbatim
//  2. a "bids" or "asks" key: book
//  3. a "price_changes" key: price_change
//  4. both "price" and "asset_id" keys: last_trade_price
//
// Objects matching no rule are dropped.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookstream/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrNotStructured  = errors.New("feed: frame is not a JSON object or array")
	ErrMalformedFrame = errors.New("feed: malformed frame")
	errBadLevel       = errors.New("feed: malformed level")
)

type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

// matcher is one classification rule
type matcher struct {
	name     string
	classify func(fields) (types.EventKind, bool)
}

var matchers = []matcher{
	{name: "discriminator", classify: func(f fields) (types.EventKind, bool) {
		for _, key := range []string{"event_type", "type"} {
			raw, ok := f[key]
			if !ok {
				continue
			}
			var kind string
			if err := json.Unmarshal(raw, &kind); err == nil && kind != "" {
				return types.EventKind(kind), true
			}
		}
		return "", false
	}},
	{name: "book-shape", classify: func(f fields) (types.EventKind, bool) {
		return types.EventBook, f.has("bids") || f.has("asks")
	}},
	{name: "price-change-shape", classify: func(f fields) (types.EventKind, bool) {
		return types.EventPriceChange, f.has("price_changes")
	}},
	{name: "trade-shape", classify: func(f fields) (types.EventKind, bool) {
		return types.EventLastTradePrice, f.has("price") && f.has("asset_id")
	}},
}

// Classify returns the kind of a decoded object, or false if no rule matches
func Classify(f map[string]json.RawMessage) (types.EventKind, bool) {
	for _, m := range matchers {
		if kind, ok := m.classify(f); ok {
			return kind, true
		}
	}
	return "", false
}

// Normalize decodes a raw frame into zero or more events, in frame order
func Normalize(frame []byte) ([]Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || (frame[0] != '{' && frame[0] != '[') {
		return nil, ErrNotStructured
	}

	var objects []json.RawMessage
	if frame[0] == '[' {
		if err := json.Unmarshal(frame, &objects); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	} else {
		if !json.Valid(frame) {
			return nil, ErrMalformedFrame
		}
		objects = []json.RawMessage{frame}
	}

	events := make([]Event, 0, len(objects))
	for _, raw := range objects {
		var f fields
		if err := json.Unmarshal(raw, &f); err != nil || f == nil {
			continue
		}
		kind, ok := Classify(f)
		if !ok {
			continue
		}
		ev, err := extract(kind, raw)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func extract(kind types.EventKind, raw json.RawMessage) (Event, error) {
	ev := Event{Kind: kind, Raw: raw}

	var err error
	switch kind {
	case types.EventBook:
		err = extractBook(&ev, raw)
	case types.EventPriceChange:
		err = extractPriceChange(&ev, raw)
	case types.EventLastTradePrice:
		err = extractTrade(&ev, raw)
	case types.EventError:
		var we wireError
		if err = json.Unmarshal(raw, &we); err == nil {
			ev.Message = we.Message
			if ev.Message == "" {
				ev.Message = we.Error
			}
		}
	}
	return ev, err
}

// extractBook accepts both {asset_id,bids,asks} and {events:[...]} and
// always yields the list form.
func extractBook(ev *Event, raw json.RawMessage) error {
	var env wireBookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	items := env.Events
	if len(items) == 0 {
		items = []json.RawMessage{raw}
	}

	for _, item := range items {
		var wb wireBook
		if err := json.Unmarshal(item, &wb); err != nil {
			ev.Skipped++
			continue
		}
		if wb.AssetID == "" {
			ev.Skipped++
			continue
		}
		book := BookUpdate{AssetID: types.AssetID(wb.AssetID), Market: wb.Market}
		book.Bids = parseLevels(wb.Bids, &ev.Skipped)
		book.Asks = parseLevels(wb.Asks, &ev.Skipped)
		ev.Books = append(ev.Books, book)

		if ts := parseTimestamp(wb.Timestamp); !ts.IsZero() {
			ev.Timestamp = ts
		}
		if ev.Market == "" {
			ev.Market = wb.Market
		}
	}
	if len(ev.Books) == 1 {
		ev.AssetID = ev.Books[0].AssetID
	}
	return nil
}

func extractPriceChange(ev *Event, raw json.RawMessage) error {
	var wp wirePriceChanges
	if err := json.Unmarshal(raw, &wp); err != nil {
		return err
	}
	ev.AssetID = types.AssetID(wp.AssetID)
	ev.Market = wp.Market
	ev.Timestamp = parseTimestamp(wp.Timestamp)

	items := wp.PriceChanges
	if len(items) == 0 {
		items = wp.Changes
	}
	for _, item := range items {
		var wc wireChange
		if err := json.Unmarshal(item, &wc); err != nil {
			ev.Skipped++
			continue
		}
		assetID := wc.AssetID
		if assetID == "" {
			assetID = wp.AssetID
		}
		side, ok := types.ParseSide(wc.Side)
		if assetID == "" || !ok {
			ev.Skipped++
			continue
		}
		level, err := levelFrom(wc.Price, wc.Size)
		if err != nil {
			ev.Skipped++
			continue
		}
		ev.Changes = append(ev.Changes, PriceChange{
			AssetID: types.AssetID(assetID),
			Side:    side,
			Price:   level,
			BestBid: wc.BestBid,
			BestAsk: wc.BestAsk,
		})
	}
	return nil
}

func extractTrade(ev *Event, raw json.RawMessage) error {
	var wt wireTrade
	if err := json.Unmarshal(raw, &wt); err != nil {
		return err
	}
	price, err := parseDecimal(wt.Price)
	if err != nil {
		return err
	}
	size := decimal.Zero
	if len(wt.Size) > 0 {
		if size, err = parseDecimal(wt.Size); err != nil {
			return err
		}
	}
	side, _ := types.ParseSide(wt.Side)

	ev.AssetID = types.AssetID(wt.AssetID)
	ev.Market = wt.Market
	ev.Timestamp = parseTimestamp(wt.Timestamp)
	ev.Trade = &LastTrade{
		AssetID: ev.AssetID,
		Side:    side,
		Level:   types.PriceLevel{Price: price, Size: size},
	}
	return nil
}

// parseLevels decodes bid/ask entries, skipping the ones that do not parse
func parseLevels(raws []json.RawMessage, skipped *int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raws))
	for _, raw := range raws {
		level, err := ParseLevel(raw)
		if err != nil {
			*skipped++
			continue
		}
		levels = append(levels, level)
	}
	return levels
}

// ParseLevel decodes one entry given as [price, size] or {"price":..,"size":..}.
// Values may be JSON numbers or numeric strings.
func ParseLevel(raw json.RawMessage) (types.PriceLevel, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.PriceLevel{}, errBadLevel
	}

	switch raw[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return types.PriceLevel{}, errBadLevel
		}
		return levelFrom(pair[0], pair[1])
	case '{':
		var obj struct {
			Price json.RawMessage `json:"price"`
			Size  json.RawMessage `json:"size"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return types.PriceLevel{}, errBadLevel
		}
		return levelFrom(obj.Price, obj.Size)
	default:
		return types.PriceLevel{}, errBadLevel
	}
}

func levelFrom(rawPrice, rawSize json.RawMessage) (types.PriceLevel, error) {
	price, err := parseDecimal(rawPrice)
	if err != nil {
		return types.PriceLevel{}, err
	}
	size, err := parseDecimal(rawSize)
	if err != nil {
		return types.PriceLevel{}, err
	}
	if size.IsNegative() {
		return types.PriceLevel{}, errBadLevel
	}
	return types.PriceLevel{Price: price, Size: size}, nil
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`)) {
		return decimal.Zero, errBadLevel
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errBadLevel, err)
	}
	return v, nil
}

// parseTimestamp reads epoch milliseconds given as a number or string
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.Trim(bytes.TrimSpace(raw), `"`)
	if len(raw) == 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
