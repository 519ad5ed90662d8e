package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradeflow/internal/domain"
)

type EventType string

const (
	EventTokenMint   EventType = "token_mint"
	EventLiquidity   EventType = "liquidity_event"
	EventPriceUpdate EventType = "price_update"
	EventTransaction EventType = "transaction"
)

// taskMapping is the static fan-out from an accepted event to the tasks it
// produces.
var taskMapping = map[EventType][]domain.TaskType{
	EventTokenMint:   {domain.TypeTokenMetrics, domain.TypeMetadataFetch},
	EventLiquidity:   {domain.TypeTokenMetrics, domain.TypeArbitrageScan},
	EventPriceUpdate: {domain.TypePriceUpdate},
	EventTransaction: {domain.TypeStreamEvent, domain.TypeMEVDetection},
}

func (t EventType) Known() bool {
	_, ok := taskMapping[t]
	return ok
}

// Tasks lists the task types one event of type t is turned into.
func (t EventType) Tasks() []domain.TaskType {
	return taskMapping[t]
}

// ErrSchema marks every message rejected by validation.
var ErrSchema = errors.New("invalid event")

type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrSchema, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrSchema, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// Event is a validated stream message.
type Event struct {
	Type      EventType
	Timestamp int64 // microseconds
	Channel   string
	TokenMint string
	Wallet    string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	fields    map[string]any
}

// Decode parses and validates one message. Every rejection is a *SchemaError.
func Decode(channel string, data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Event{}, &SchemaError{Reason: "malformed json: " + err.Error()}
	}
	if raw == nil {
		return Event{}, &SchemaError{Reason: "empty message"}
	}

	typ, _ := raw["event_type"].(string)
	ev := Event{Type: EventType(typ), Channel: channel, fields: raw}
	if typ == "" {
		return Event{}, &SchemaError{Field: "event_type", Reason: "is required"}
	}
	if !ev.Type.Known() {
		return Event{}, &SchemaError{Field: "event_type", Reason: fmt.Sprintf("%q is not supported", typ)}
	}

	ts, ok := raw["timestamp"].(json.Number)
	if !ok {
		return Event{}, &SchemaError{Field: "timestamp", Reason: "is required"}
	}
	v, err := ts.Int64()
	if err != nil || v <= 0 {
		return Event{}, &SchemaError{Field: "timestamp", Reason: "must be a positive integer"}
	}
	ev.Timestamp = v

	switch ev.Type {
	case EventTokenMint, EventLiquidity:
		if ev.TokenMint, err = requireString(raw, "token_mint"); err != nil {
			return Event{}, err
		}
	case EventPriceUpdate:
		if ev.TokenMint, err = requireString(raw, "token_mint"); err != nil {
			return Event{}, err
		}
		if ev.Price, err = requireDecimal(raw, "price"); err != nil {
			return Event{}, err
		}
		if ev.Price.IsNegative() {
			return Event{}, &SchemaError{Field: "price", Reason: "must not be negative"}
		}
	case EventTransaction:
		if ev.Amount, err = requireDecimal(raw, "amount"); err != nil {
			return Event{}, err
		}
		if !ev.Amount.IsPositive() {
			return Event{}, &SchemaError{Field: "amount", Reason: "must be positive"}
		}
		if w, present := raw["wallet"]; present {
			s, ok := w.(string)
			if !ok {
				return Event{}, &SchemaError{Field: "wallet", Reason: "must be a string"}
			}
			ev.Wallet = s
		}
	}
	return ev, nil
}

func requireString(raw map[string]any, field string) (string, error) {
	s, ok := raw[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &SchemaError{Field: field, Reason: "is required"}
	}
	return s, nil
}

// requireDecimal accepts a JSON number or a numeric string.
func requireDecimal(raw map[string]any, field string) (decimal.Decimal, error) {
	var s string
	switch v := raw[field].(type) {
	case json.Number:
		s = v.String()
	case string:
		s = v
	case nil:
		return decimal.Decimal{}, &SchemaError{Field: field, Reason: "is required"}
	default:
		return decimal.Decimal{}, &SchemaError{Field: field, Reason: "must be numeric"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &SchemaError{Field: field, Reason: "must be numeric"}
	}
	return d, nil
}

// Payload builds the handler input for tasks created from e. Decimal fields
// are carried as strings to keep their precision.
func (e Event) Payload() domain.Payload {
	p := make(domain.Payload, len(e.fields)+1)
	for k, v := range e.fields {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				p[k] = i
			} else {
				p[k] = n.String()
			}
			continue
		}
		p[k] = v
	}
	switch e.Type {
	case EventPriceUpdate:
		p["price"] = e.Price.String()
	case EventTransaction:
		p["amount"] = e.Amount.String()
	}
	if e.Channel != "" {
		p["channel"] = e.Channel
	}
	return p
}
