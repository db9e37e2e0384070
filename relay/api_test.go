package relay

import (
	"context"
	"testing"
	"time"

	builderApiV1 "github.com/attestantio/go-builder-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestAPIAuctionRoundTrip(t *testing.T) {
	h := newRelayHarness(t)
	api := NewAPI(zap.NewNop(), h.relay, rate.Inf)
	ctx := context.Background()

	bid, err := api.GetHeader(ctx, *h.bidRequest())
	require.NoError(t, err)
	require.Equal(t, spec.DataVersionBellatrix, bid.Version)

	signedBlock := h.signedBlindedBlock(t, bid.Bellatrix.Message.Header.BlockHash, nil)
	payload, err := api.GetPayload(ctx, *signedBlock)
	require.NoError(t, err)
	require.Same(t, h.builder.payload.Payload, payload)
}

func TestAPIGetHeaderError(t *testing.T) {
	h := newRelayHarness(t)
	api := NewAPI(zap.NewNop(), h.relay, rate.Inf)

	request := *h.bidRequest()
	request.Slot = 0
	_, err := api.GetHeader(context.Background(), request)
	require.ErrorIs(t, err, ErrInvalidSlot)
}

func TestAPIRegisterValidators(t *testing.T) {
	h := newRelayHarness(t)
	api := NewAPI(zap.NewNop(), h.relay, rate.Inf)

	reg := h.validator.registration(t, h.network, time.Now(), 28_000_000)
	require.NoError(t, api.RegisterValidators(context.Background(), []*builderApiV1.SignedValidatorRegistration{reg}))

	prefs, ok := h.relay.registry.Preferences(h.validator.pubkey)
	require.True(t, ok)
	require.Equal(t, uint64(28_000_000), prefs.GasLimit)
}
