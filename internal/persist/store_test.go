package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	return store
}

func TestConfirmFillRoundTrip(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()
	at := time.Now().Truncate(time.Second)

	require.NoError(t, store.ConfirmFill(id, decimal.NewFromInt(101), at))

	rec, err := store.Position(id)
	require.NoError(t, err)
	assert.Equal(t, "filled", rec.Status)
	assert.True(t, rec.FillPrice.Equal(decimal.NewFromInt(101)))
	require.NotNil(t, rec.FilledAt)
}

func TestMarkFailed(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()

	require.NoError(t, store.MarkFailed(id, "retry budget exhausted"))

	rec, err := store.Position(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "retry budget exhausted", rec.FailReason)
}

func TestMarkFailedPreservesFillData(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()
	at := time.Now().Truncate(time.Second)

	require.NoError(t, store.ConfirmFill(id, decimal.NewFromInt(101), at))
	require.NoError(t, store.MarkFailed(id, "retry budget exhausted"))

	rec, err := store.Position(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "retry budget exhausted", rec.FailReason)
	assert.True(t, rec.FillPrice.Equal(decimal.NewFromInt(101)), "fill price must survive a failure mark")
	assert.NotNil(t, rec.FilledAt)
}

func TestConfirmFillPreservesFailReason(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()

	require.NoError(t, store.MarkFailed(id, "slippage"))
	require.NoError(t, store.ConfirmFill(id, decimal.NewFromInt(99), time.Now()))

	rec, err := store.Position(id)
	require.NoError(t, err)
	assert.Equal(t, "filled", rec.Status)
	assert.Equal(t, "slippage", rec.FailReason)
}

func TestCreateRiskState(t *testing.T) {
	store := openTestStore(t)
	id := uuid.New()

	require.NoError(t, store.CreateRiskState(id, decimal.NewFromInt(105), time.Now()))
	require.NoError(t, store.CreateRiskState(id, decimal.NewFromInt(107), time.Now()))

	var count int64
	require.NoError(t, store.db.Model(&RiskStateRecord{}).Where("position_id = ?", id.String()).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
