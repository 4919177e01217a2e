package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"rate-cache/internal/rates"
)

// Coinbase candle tuples are [time, low, high, open, close, volume].
const candleFields = 6

var maxCandleTime = decimal.NewFromInt(int64(rates.MaxTimestamp))

type candle struct {
	time   uint64
	fields [candleFields - 1]decimal.Decimal
}

// NormalizeCandles is the transform attached to every candle request. It
// drops headers, sorts candles by time, keeps the first candle per timestamp
// and re-encodes numbers in canonical decimal form. A body that is not a list
// of numeric six-tuples normalizes to an empty body.
func NormalizeCandles(raw Response) Response {
	out := Response{Status: raw.Status}

	candles, err := parseRawCandles(raw.Body)
	if err != nil {
		return out
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].time < candles[j].time })

	tuples := make([][]any, 0, len(candles))
	for i, c := range candles {
		if i > 0 && c.time == candles[i-1].time {
			continue
		}
		tuple := make([]any, 0, candleFields)
		tuple = append(tuple, c.time)
		for _, f := range c.fields {
			tuple = append(tuple, f.String())
		}
		tuples = append(tuples, tuple)
	}

	body, err := json.Marshal(tuples)
	if err != nil {
		return out
	}
	out.Body = body
	return out
}

func parseRawCandles(body []byte) ([]candle, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw [][]json.Number
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after candle array")
	}

	candles := make([]candle, 0, len(raw))
	for _, tuple := range raw {
		if len(tuple) != candleFields {
			return nil, fmt.Errorf("candle has %d fields", len(tuple))
		}

		ts, err := decimal.NewFromString(tuple[0].String())
		if err != nil {
			return nil, err
		}
		if !ts.IsInteger() || ts.IsNegative() || ts.GreaterThan(maxCandleTime) {
			return nil, fmt.Errorf("invalid candle time %s", tuple[0])
		}

		c := candle{time: uint64(ts.IntPart())}
		for i, field := range tuple[1:] {
			v, err := decimal.NewFromString(field.String())
			if err != nil {
				return nil, err
			}
			c.fields[i] = v
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// DecodeCandles reads a normalized body into rate points. Candles outside
// run or off the granularity grid are dropped so a response only resolves
// buckets it was asked for.
func DecodeCandles(body []byte, run []rates.Timestamp) ([]rates.RatePoint, error) {
	if len(body) == 0 {
		return nil, ErrMalformedPayload
	}

	var tuples [][]json.RawMessage
	if err := json.Unmarshal(body, &tuples); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	requested := make(map[rates.Timestamp]struct{}, len(run))
	for _, t := range run {
		requested[t] = struct{}{}
	}

	points := make([]rates.RatePoint, 0, len(tuples))
	for _, tuple := range tuples {
		if len(tuple) != candleFields {
			return nil, fmt.Errorf("%w: candle has %d fields", ErrMalformedPayload, len(tuple))
		}

		var ts uint64
		if err := json.Unmarshal(tuple[0], &ts); err != nil {
			return nil, fmt.Errorf("%w: candle time: %v", ErrMalformedPayload, err)
		}
		if _, ok := requested[rates.Timestamp(ts)]; !ok {
			continue
		}

		var fields [candleFields - 1]decimal.Decimal
		for i, raw := range tuple[1:] {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("%w: candle field: %v", ErrMalformedPayload, err)
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("%w: candle field: %v", ErrMalformedPayload, err)
			}
			fields[i] = v
		}

		points = append(points, rates.RatePoint{
			Timestamp: rates.Timestamp(ts),
			Rate: rates.Rate{
				Low:    fields[0],
				High:   fields[1],
				Open:   fields[2],
				Close:  fields[3],
				Volume: fields[4],
			},
		})
	}
	return points, nil
}
