package venue

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/aqengine/aqengine/types"
)

func TestClassifySoftErrors(t *testing.T) {
	assert.Equal(t, ErrorSoft, classify("insufficient balance for this order"))
	assert.Equal(t, ErrorSoft, classify("Order would cross the book"))
	assert.Equal(t, ErrorSoft, classify("ALLOWANCE too low"))
}

func TestClassifyHardErrorsDefaultToHard(t *testing.T) {
	assert.Equal(t, ErrorHard, classify("internal server error"))
	assert.Equal(t, ErrorHard, classify(""))
}

func TestNewRequiresPrivateKeyOutsideDryRun(t *testing.T) {
	_, err := New(Credentials{DryRun: false})
	assert.Error(t, err)
}

func TestNewAllowsMissingPrivateKeyInDryRun(t *testing.T) {
	c, err := New(Credentials{DryRun: true})
	assert.NoError(t, err)
	assert.True(t, c.dryRun)
}

func testPrivateKeyHex(t *testing.T) string {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(crypto.FromECDSA(pk))
}

func TestNewDerivesAddressFromPrivateKey(t *testing.T) {
	c, err := New(Credentials{DryRun: true, WalletPrivateKey: "0x" + testPrivateKeyHex(t)})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.address, "0x"))
}

func TestPlaceOrderDryRunNeverHitsNetwork(t *testing.T) {
	c, err := New(Credentials{DryRun: true})
	assert.NoError(t, err)

	orderID, err := c.PlaceOrder(PlaceOrderRequest{Token: "UP", Side: types.Buy, Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(10), PostOnly: true})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(orderID, "DRY_"))
}

func TestCancelAllDryRunSucceeds(t *testing.T) {
	c, _ := New(Credentials{DryRun: true})
	assert.NoError(t, c.CancelAll())
	assert.NoError(t, c.CancelAllForToken("UP"))
	assert.NoError(t, c.CancelOrder("o1"))
}

func TestGetOpenOrdersDryRunReturnsEmpty(t *testing.T) {
	c, _ := New(Credentials{DryRun: true})
	orders, err := c.GetOpenOrders()
	assert.NoError(t, err)
	assert.Nil(t, orders)
}

func TestBuildSignedOrderComputesMakerTakerAmountsForBuy(t *testing.T) {
	c, err := New(Credentials{DryRun: true, WalletPrivateKey: "0x" + testPrivateKeyHex(t)})
	assert.NoError(t, err)

	signed, err := c.buildSignedOrder(PlaceOrderRequest{Token: "UP", Side: types.Buy, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10)})
	assert.NoError(t, err)
	assert.Equal(t, "5000000", signed["makerAmount"], "10 shares * 0.50 * 1e6")
	assert.Equal(t, "10000000", signed["takerAmount"], "10 shares * 1e6")
	assert.NotEmpty(t, signed["signature"])
}

func TestBuildSignedOrderFailsWithoutPrivateKey(t *testing.T) {
	c, _ := New(Credentials{DryRun: true})
	_, err := c.buildSignedOrder(PlaceOrderRequest{Token: "UP", Side: types.Buy, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10)})
	assert.Error(t, err)
}

func TestTruncateShortensLongStringsOnly(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
	assert.Equal(t, "0123456789...", truncate("0123456789abcdef"))
}
