package exchange

import (
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"

	"github.com/UrbanHao/perpwatch/internal/position"
)

func TestOrderSide(t *testing.T) {
	assert.Equal(t, futures.SideTypeBuy, orderSide(position.Long))
	assert.Equal(t, futures.SideTypeSell, orderSide(position.Short))
}

func TestIsAPICode(t *testing.T) {
	reduceOnly := &common.APIError{Code: -2022, Message: "ReduceOnly Order is rejected."}
	assert.True(t, isAPICode(reduceOnly, -2022))
	assert.False(t, isAPICode(reduceOnly, -1111))
	assert.False(t, isAPICode(errors.New("plain"), -2022))
	assert.False(t, isAPICode(nil, -2022))
}
