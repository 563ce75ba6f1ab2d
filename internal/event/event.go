// Package event defines the domain events carried from the outbox to the projector.
//
// Events form a closed set keyed by Type. Decode returns ErrUnknownType for tags
// outside the set so consumers can drop them explicitly instead of guessing at fields.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	// money travels as JSON numbers on the wire
	decimal.MarshalJSONWithoutQuotes = true
}

type Type string

const (
	TypeOrderCreated   Type = "OrderCreated"
	TypeProductCreated Type = "ProductCreated"
	TypePriceChanged   Type = "PriceChanged"
)

// Topics events are routed to.
const (
	TopicOrders   = "order-events"
	TopicProducts = "product-events"
)

var (
	ErrUnknownType = errors.New("event: unknown event type")
	ErrMalformed   = errors.New("event: malformed payload")
)

// Event is implemented only by the types in this package.
type Event interface {
	ID() uuid.UUID
	Type() Type
	OccurredAt() time.Time
	Topic() string
	sealed()
}

// Header is the part every event shares. It is immutable once created.
type Header struct {
	EventID   uuid.UUID `json:"eventId"`
	EventType Type      `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
}

func (h Header) ID() uuid.UUID         { return h.EventID }
func (h Header) Type() Type            { return h.EventType }
func (h Header) OccurredAt() time.Time { return h.Timestamp }
func (Header) sealed()                 {}

func newHeader(t Type, at time.Time) Header {
	return Header{EventID: uuid.New(), EventType: t, Timestamp: at.UTC()}
}

type LineItem struct {
	ProductID int64           `json:"productId"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Category  string          `json:"category"`
}

// Revenue is quantity times unit price.
func (li LineItem) Revenue() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(li.Quantity))
}

type OrderCreated struct {
	Header
	OrderID    int64           `json:"orderId"`
	CustomerID CustomerID      `json:"customerId"`
	Items      []LineItem      `json:"items"`
	Total      decimal.Decimal `json:"total"`
}

func (OrderCreated) Topic() string { return TopicOrders }

// NewOrderCreated stamps a fresh id and timestamp.
func NewOrderCreated(orderID int64, customerID string, items []LineItem, total decimal.Decimal, at time.Time) *OrderCreated {
	return &OrderCreated{
		Header:     newHeader(TypeOrderCreated, at),
		OrderID:    orderID,
		CustomerID: CustomerID(customerID),
		Items:      items,
		Total:      total,
	}
}

type ProductCreated struct {
	Header
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Stock     int64           `json:"stock"`
}

func (ProductCreated) Topic() string { return TopicProducts }

func NewProductCreated(productID int64, name, category string, price decimal.Decimal, stock int64, at time.Time) *ProductCreated {
	return &ProductCreated{
		Header:    newHeader(TypeProductCreated, at),
		ProductID: productID,
		Name:      name,
		Category:  category,
		Price:     price,
		Stock:     stock,
	}
}

type PriceChanged struct {
	Header
	ProductID int64           `json:"productId"`
	OldPrice  decimal.Decimal `json:"oldPrice"`
	NewPrice  decimal.Decimal `json:"newPrice"`
}

func (PriceChanged) Topic() string { return TopicProducts }

func NewPriceChanged(productID int64, oldPrice, newPrice decimal.Decimal, at time.Time) *PriceChanged {
	return &PriceChanged{
		Header:    newHeader(TypePriceChanged, at),
		ProductID: productID,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
	}
}

// CustomerID accepts both JSON strings and numbers; producers have used either.
type CustomerID string

func (c *CustomerID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = CustomerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("customerId: %w", err)
	}
	*c = CustomerID(n.String())
	return nil
}

// Encode serializes e in its wire format.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload into its concrete variant (always a pointer type).
func Decode(data []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Event
	switch h.EventType {
	case TypeOrderCreated:
		ev = &OrderCreated{}
	case TypeProductCreated:
		ev = &ProductCreated{}
	case TypePriceChanged:
		ev = &PriceChanged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.EventType)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.EventType, err)
	}
	if ev.ID() == uuid.Nil {
		return nil, fmt.Errorf("%w: missing eventId", ErrMalformed)
	}
	if ev.OccurredAt().IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return ev, nil
}
