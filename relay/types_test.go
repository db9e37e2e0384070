package relay

import (
	"encoding/json"
	"testing"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func TestBidRequestString(t *testing.T) {
	request := BidRequest{
		Slot:       123,
		ParentHash: phase0.Hash32{0x0a},
		Pubkey:     phase0.BLSPubKey{0x0b},
	}
	s := request.String()
	require.Contains(t, s, "slot 123")
	require.Contains(t, s, "0x0a")
	require.Contains(t, s, "0x0b")
}

func TestVersionedExecutionPayloadEmpty(t *testing.T) {
	payload := &VersionedExecutionPayload{Version: spec.DataVersionCapella}

	_, err := payload.BlockHash()
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = payload.GasLimit()
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = payload.GasUsed()
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestVersionedExecutionPayloadUnsupportedFork(t *testing.T) {
	payload := &VersionedExecutionPayload{Version: spec.DataVersionPhase0}

	_, err := payload.BlockHash()
	require.ErrorIs(t, err, ErrUnsupportedFork)
}

func TestVersionedSignedBlindedBeaconBlockEmpty(t *testing.T) {
	block := &VersionedSignedBlindedBeaconBlock{Version: spec.DataVersionDeneb}

	_, err := block.Slot()
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = block.ProposerIndex()
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = block.ParentHash()
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = block.BlockHash()
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestVersionedSignedBlindedBeaconBlockJSONForkDetection(t *testing.T) {
	h := newRelayHarness(t)
	original := h.signedBlindedBlock(t, phase0.Hash32{0xbb}, nil)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded VersionedSignedBlindedBeaconBlock
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, spec.DataVersionBellatrix, decoded.Version)

	slot, err := decoded.Slot()
	require.NoError(t, err)
	require.Equal(t, h.slot, slot)

	blockHash, err := decoded.BlockHash()
	require.NoError(t, err)
	require.Equal(t, phase0.Hash32{0xbb}, blockHash)
}
