package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/aqengine/aqengine/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestReserveAndReleaseBuy(t *testing.T) {
	tr := New()
	tr.ReserveBuy("UP", d("10"))
	assert.True(t, tr.PendingBuy("UP").Equal(d("10")))

	tr.ReleaseBuy("UP", d("10"))
	assert.True(t, tr.PendingBuy("UP").IsZero())
}

func TestReleaseBuyNeverGoesNegative(t *testing.T) {
	tr := New()
	tr.ReserveBuy("UP", d("5"))
	tr.ReleaseBuy("UP", d("20"))
	assert.True(t, tr.PendingBuy("UP").IsZero())
}

func TestApplyFillBuyReleasesMatchingReservation(t *testing.T) {
	tr := New()
	tr.ReserveBuy("UP", d("10"))

	pos := tr.ApplyFill(types.Fill{Token: "UP", Side: types.Buy, Price: d("0.49"), Size: d("5"), Fee: d("-0.01")})

	assert.True(t, pos.Size.Equal(d("5")))
	assert.True(t, tr.PendingBuy("UP").Equal(d("5")), "reservation only reduced by the filled path")
}

func TestClearPendingBuysZeroesReservationAfterSnapshotSync(t *testing.T) {
	tr := New()
	tr.ReserveBuy("UP", d("10"))
	tr.ClearPendingBuys("UP")
	assert.True(t, tr.PendingBuy("UP").IsZero())
}

func TestSetPositionOverwritesFromSnapshotWithoutTouchingPnL(t *testing.T) {
	tr := New()
	tr.ApplyFill(types.Fill{Token: "UP", Side: types.Sell, Price: d("0.60"), Size: d("0")})
	tr.SetPosition("UP", d("30"), d("0.41"))

	pos := tr.Position("UP")
	assert.True(t, pos.Size.Equal(d("30")))
	assert.True(t, pos.AvgEntryPrice.Equal(d("0.41")))
}

func TestForceReconcileAllZeroesEveryReservation(t *testing.T) {
	tr := New()
	tr.ReserveBuy("UP", d("10"))
	tr.ReserveBuy("DOWN", d("20"))
	tr.ForceReconcileAll()
	assert.True(t, tr.PendingBuy("UP").IsZero())
	assert.True(t, tr.PendingBuy("DOWN").IsZero())
}

func TestEffectiveExposureIsPositionPlusPending(t *testing.T) {
	tr := New()
	tr.SetPosition("UP", d("20"), d("0.40"))
	tr.ReserveBuy("UP", d("5"))
	assert.True(t, tr.EffectiveExposure("UP").Equal(d("25")))
}

func TestClearPositionRemovesBothPositionAndReservation(t *testing.T) {
	tr := New()
	tr.SetPosition("UP", d("10"), d("0.40"))
	tr.ReserveBuy("UP", d("5"))
	tr.ClearPosition("UP")

	assert.True(t, tr.Position("UP").Size.IsZero())
	assert.True(t, tr.PendingBuy("UP").IsZero())
}

func TestSnapshotEqualToLocalStateIsANoOp(t *testing.T) {
	tr := New()
	tr.SetPosition("UP", d("10"), d("0.40"))
	before := tr.Position("UP")

	tr.SetPosition("UP", d("10"), d("0.40"))
	after := tr.Position("UP")

	assert.Equal(t, before, after)
}
