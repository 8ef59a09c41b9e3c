package registry

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	offering := &Offering{
		ID:           "offer-1",
		Title:        "summarization",
		ProviderID:   "provider-1",
		ProviderAddr: "SoLProvider",
		BaseFee:      big.NewInt(10),
	}
	require.NoError(t, reg.Register(ctx, offering))

	got, err := reg.GetOffering(ctx, "offer-1")
	require.NoError(t, err)
	require.Equal(t, "summarization", got.Title)

	// The registry hands out copies.
	got.BaseFee.SetInt64(999)
	again, err := reg.GetOffering(ctx, "offer-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), again.BaseFee.Int64())
}

func TestGetUnknownOffering(t *testing.T) {
	reg := NewMemoryRegistry()
	_, err := reg.GetOffering(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOfferingNotFound)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.Error(t, reg.Register(ctx, &Offering{ProviderAddr: "x", BaseFee: big.NewInt(1)}))
	require.Error(t, reg.Register(ctx, &Offering{ID: "offer-1", BaseFee: big.NewInt(1)}))
	require.Error(t, reg.Register(ctx, &Offering{ID: "offer-1", ProviderAddr: "x"}))
	require.Error(t, reg.Register(ctx, &Offering{ID: "offer-1", ProviderAddr: "x", BaseFee: big.NewInt(-1)}))
}
