/**
 * @description
 * This file implements the saga context: the string-keyed value bag that steps
 * share and the orchestrator persists as JSON on the saga instance. Steps agree
 * on keys by contract, so every well-known key is a package constant and every
 * read goes through a typed accessor instead of a raw map lookup — a silent key
 * typo becomes a failed lookup the step reports, not corrupted state.
 *
 * @notes
 * - Decimal values survive the JSON round trip exactly: decoding uses
 *   json.Number and the Decimal accessor parses the textual form, never a
 *   float64 intermediate.
 */

package saga

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Well-known context keys. The initiation service writes the first five; each
// step owns the diagnostic keys named after it.
const (
	KeyTransferID      = "transferId"
	KeySourceAccountID = "sourceAccountId"
	KeyDestAccountID   = "destAccountId"
	KeyAmount          = "amount"
	KeyDescription     = "description"

	// Written by the debit-source step.
	KeyOriginalSourceBalance   = "originalSourceBalance"
	KeySourceBalanceAfterDebit = "sourceBalanceAfterDebit"

	// Written by the credit-destination step.
	KeyOriginalDestBalance    = "originalDestinationBalance"
	KeyDestBalanceAfterCredit = "destinationBalanceAfterCredit"

	// Written by the mark-transfer-succeeded step.
	KeyOriginalTransferStatus = "originalTransferStatus"

	// Failure diagnostics, written by whichever step fails.
	KeyFailureReason   = "failureReason"
	KeyObservedBalance = "observedBalance"
)

// Context is the shared key/value state of one saga execution. It is not safe
// for concurrent use; the orchestrator materializes a fresh Context per step
// invocation from the persisted form.
type Context struct {
	data map[string]any
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{data: make(map[string]any)}
}

// ParseContext deserializes a persisted context. Numbers are retained as
// json.Number so decimal amounts round-trip without loss.
func ParseContext(raw []byte) (*Context, error) {
	if len(raw) == 0 {
		return NewContext(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	data := make(map[string]any)
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("parse saga context: %w", err)
	}
	return &Context{data: data}, nil
}

// Marshal serializes the context for persistence.
func (c *Context) Marshal() ([]byte, error) {
	raw, err := json.Marshal(c.data)
	if err != nil {
		return nil, fmt.Errorf("serialize saga context: %w", err)
	}
	return raw, nil
}

// Len reports the number of keys present.
func (c *Context) Len() int {
	return len(c.data)
}

// Data returns a shallow copy of the underlying map, for status reporting.
func (c *Context) Data() map[string]any {
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

func (c *Context) PutString(key, value string) {
	c.data[key] = value
}

func (c *Context) PutUUID(key string, value uuid.UUID) {
	c.data[key] = value.String()
}

func (c *Context) PutDecimal(key string, value decimal.Decimal) {
	c.data[key] = value
}

// String returns the string value for key, reporting absence explicitly.
func (c *Context) String(key string) (string, bool) {
	value, ok := c.data[key]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// UUID parses the value stored under key as a UUID.
func (c *Context) UUID(key string) (uuid.UUID, bool) {
	s, ok := c.String(key)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Decimal returns the exact decimal value for key. Accepted representations are
// decimal.Decimal (freshly put), json.Number (after a round trip) and string.
func (c *Context) Decimal(key string) (decimal.Decimal, bool) {
	value, ok := c.data[key]
	if !ok {
		return decimal.Zero, false
	}
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}
