package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusShipped, true},
		{StatusPending, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusShipped, StatusDelivered, true},
		{StatusPending, StatusDelivered, true},
		{StatusShipped, StatusCancelled, false},
		{StatusShipped, StatusProcessing, false},
		{StatusProcessing, StatusPending, false},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusDelivered, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusShipped.Terminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("SHIPPED")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, st)

	_, err = ParseStatus("LOST")
	assert.Error(t, err)
}
