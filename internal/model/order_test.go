package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateOrderParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params CreateOrderParams
		want   error
	}{
		{"valid", CreateOrderParams{CustomerID: "c1", Items: []LineItem{{SKU: "A", Quantity: 1, PriceCents: 100}}}, nil},
		{"no customer", CreateOrderParams{Items: []LineItem{{SKU: "A", Quantity: 1}}}, ErrInvalidCustomer},
		{"no items", CreateOrderParams{CustomerID: "c1"}, ErrEmptyOrder},
		{"zero quantity", CreateOrderParams{CustomerID: "c1", Items: []LineItem{{SKU: "A"}}}, ErrInvalidLineItem},
		{"negative price", CreateOrderParams{CustomerID: "c1", Items: []LineItem{{SKU: "A", Quantity: 1, PriceCents: -1}}}, ErrInvalidLineItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateOrderParams_Total(t *testing.T) {
	p := CreateOrderParams{Items: []LineItem{
		{SKU: "A", Quantity: 2, PriceCents: 250},
		{SKU: "B", Quantity: 1, PriceCents: 1000},
	}}

	assert.Equal(t, int64(1500), p.Total())
}

func TestOutboxStatus_Valid(t *testing.T) {
	assert.True(t, OutboxStatusPending.Valid())
	assert.True(t, OutboxStatusFailed.Valid())
	assert.False(t, OutboxStatus("DONE").Valid())
}
