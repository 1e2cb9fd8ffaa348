package persistence

import (
	"path/filepath"
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

func TestOpenWithEmptyDSNDisablesPersistence(t *testing.T) {
	store, err := Open("", DefaultConfig())
	assert.NoError(t, err)
	assert.False(t, store.IsEnabled())
}

func TestDisabledStoreMethodsAreNoOps(t *testing.T) {
	store, _ := Open("", DefaultConfig())
	assert.NotPanics(t, func() {
		store.SavePosition(types.Position{Token: "UP", Size: d("10")}, "UP market")
		store.SaveFill(types.Fill{Token: "UP"}, "UP market", d("0.5"))
		store.SaveMarkout("f1", 5, d("0.5"), d("0.5"), decimal.Zero, decimal.Zero, true)
		store.EndSession("STOPPED", SessionStats{})
	})
	assert.Empty(t, store.LoadPositions())
	assert.Nil(t, store.LoadPendingMarkouts())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aqengine_test.db")
	store, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStartAndEndSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	id := store.StartSession([]string{"UP", "DOWN"}, `{"dry_run":true}`)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, store.SessionID())

	store.EndSession("STOPPED", SessionStats{TotalFills: 3, RealizedPnL: d("1.5")})

	var row Session
	err := store.DB().First(&row, "id = ?", id).Error
	assert.NoError(t, err)
	assert.Equal(t, "STOPPED", row.Status)
	assert.Equal(t, 3, row.TotalFills)
}

func TestSaveAndLoadPositionsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	store.SavePosition(types.Position{Token: "UP", Size: d("20"), AvgEntryPrice: d("0.45"), RealizedPnL: d("1"), TotalFeesPaid: d("0.1")}, "UP market")

	positions := store.LoadPositions()
	pos, ok := positions["UP"]
	if assert.True(t, ok) {
		assert.True(t, pos.Size.Equal(d("20")))
		assert.True(t, pos.AvgEntryPrice.Equal(d("0.45")))
	}
}

func TestClearPositionRemovesRow(t *testing.T) {
	store := openTestStore(t)
	store.SavePosition(types.Position{Token: "UP", Size: d("20")}, "UP market")
	store.ClearPosition("UP")

	positions := store.LoadPositions()
	_, ok := positions["UP"]
	assert.False(t, ok)
}

func TestSaveFillPersistsRow(t *testing.T) {
	store := openTestStore(t)
	store.StartSession([]string{"UP"}, "{}")
	store.SaveFill(types.Fill{TradeID: "t1", Token: "UP", Side: types.Buy, Price: d("0.49"), Size: d("5")}, "UP market", d("0.5"))

	var count int64
	store.DB().Model(&FillRow{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestLoadPendingMarkoutsReturnsOnlyUncaptured(t *testing.T) {
	store := openTestStore(t)
	store.SaveMarkout("f1", 5, d("0.5"), decimal.Zero, decimal.Zero, decimal.Zero, false)
	store.SaveMarkout("f2", 5, d("0.5"), d("0.52"), d("0.02"), d("400"), true)

	pending := store.LoadPendingMarkouts()
	if assert.Len(t, pending, 1) {
		assert.Equal(t, "f1", pending[0].FillID)
	}
}
