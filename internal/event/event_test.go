package event

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderCreatedWire = `{
  "eventId": "0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11",
  "eventType": "OrderCreated",
  "orderId": 7,
  "customerId": "c1",
  "items": [{"productId": 1, "quantity": 2, "price": 10, "category": "Books"}],
  "total": 20,
  "timestamp": "2024-01-01T10:15:00Z"
}`

func TestDecode_OrderCreated(t *testing.T) {
	ev, err := Decode([]byte(orderCreatedWire))
	require.NoError(t, err)

	oc, ok := ev.(*OrderCreated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, TypeOrderCreated, oc.Type())
	assert.Equal(t, "0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11", oc.ID().String())
	assert.Equal(t, int64(7), oc.OrderID)
	assert.Equal(t, CustomerID("c1"), oc.CustomerID)
	require.Len(t, oc.Items, 1)
	assert.True(t, oc.Items[0].Revenue().Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "Books", oc.Items[0].Category)
	assert.True(t, oc.Total.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), oc.OccurredAt().UTC())
	assert.Equal(t, TopicOrders, oc.Topic())
}

func TestDecode_NumericCustomerID(t *testing.T) {
	raw := `{"eventId":"0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11","eventType":"OrderCreated","customerId":42,"items":[],"total":0,"timestamp":"2024-01-01T10:15:00.000Z"}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, CustomerID("42"), ev.(*OrderCreated).CustomerID)
}

func TestEncodeDecode_ProductEvents(t *testing.T) {
	at := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	pc := NewProductCreated(3, "Dune", "Books", decimal.RequireFromString("12.50"), 9, at)
	data, err := Encode(pc)
	require.NoError(t, err)

	// money is a JSON number
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, 12.5, raw["price"])
	assert.Equal(t, "ProductCreated", raw["eventType"])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, pc.ID(), got.ID())
	assert.Equal(t, TopicProducts, got.Topic())

	pch := NewPriceChanged(3, decimal.NewFromInt(12), decimal.NewFromInt(15), at)
	data, err = Encode(pch)
	require.NoError(t, err)
	got, err = Decode(data)
	require.NoError(t, err)
	assert.True(t, got.(*PriceChanged).NewPrice.Equal(decimal.NewFromInt(15)))
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{{`, ErrMalformed},
		{"unknown type", `{"eventId":"0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11","eventType":"OrderShipped","timestamp":"2024-01-01T10:15:00Z"}`, ErrUnknownType},
		{"missing type", `{"eventId":"0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11"}`, ErrUnknownType},
		{"missing id", `{"eventType":"OrderCreated","timestamp":"2024-01-01T10:15:00Z"}`, ErrMalformed},
		{"missing timestamp", `{"eventId":"0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11","eventType":"PriceChanged"}`, ErrMalformed},
		{"bad field", `{"eventId":"0b7c2f2e-8f43-4c5a-9d55-0c1f2d8e9a11","eventType":"OrderCreated","orderId":"x","timestamp":"2024-01-01T10:15:00Z"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestNewOrderCreated_StampsUniqueIDs(t *testing.T) {
	now := time.Now()
	a := NewOrderCreated(1, "c1", nil, decimal.Zero, now)
	b := NewOrderCreated(1, "c1", nil, decimal.Zero, now)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, time.UTC, a.OccurredAt().Location())
}
