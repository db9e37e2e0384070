package relay

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testPayload(blockHash byte, value uint64) *PayloadWithValue {
	payload := &bellatrix.ExecutionPayload{}
	payload.BlockHash[0] = blockHash
	return &PayloadWithValue{
		Payload: &VersionedExecutionPayload{
			Version:   spec.DataVersionBellatrix,
			Bellatrix: payload,
		},
		Value: uint256.NewInt(value),
	}
}

func testBidRequest(slot phase0.Slot) BidRequest {
	return BidRequest{
		Slot:       slot,
		ParentHash: phase0.Hash32{0x01},
		Pubkey:     phase0.BLSPubKey{0x02},
	}
}

func TestPayloadCacheInsertOverwrites(t *testing.T) {
	cache := NewPayloadCache()
	id := testBidRequest(10)

	cache.Insert(id, testPayload(0xaa, 1))
	cache.Insert(id, testPayload(0xbb, 2))
	require.Equal(t, 1, cache.Len())

	payload, ok := cache.Take(id)
	require.True(t, ok)
	hash, err := payload.Payload.BlockHash()
	require.NoError(t, err)
	require.Equal(t, byte(0xbb), hash[0])
}

func TestPayloadCacheTakeOnce(t *testing.T) {
	cache := NewPayloadCache()
	id := testBidRequest(10)
	cache.Insert(id, testPayload(0xaa, 1))

	_, ok := cache.Take(id)
	require.True(t, ok)

	_, ok = cache.Take(id)
	require.False(t, ok)
	require.Equal(t, 0, cache.Len())
}

func TestPayloadCacheTakeUnknown(t *testing.T) {
	cache := NewPayloadCache()
	_, ok := cache.Take(testBidRequest(10))
	require.False(t, ok)
}

func TestPayloadCacheEvictBefore(t *testing.T) {
	cache := NewPayloadCache()
	for _, slot := range []phase0.Slot{10, 11, 12} {
		cache.Insert(testBidRequest(slot), testPayload(byte(slot), 1))
	}

	// tolerance 1 at slot 13: slot 10 and 11 are expired, slot 12 sits on the
	// boundary (12+1 == 13) and survives
	evicted := cache.EvictBefore(13, 1)
	require.Equal(t, 2, evicted)
	require.Equal(t, 1, cache.Len())

	_, ok := cache.Take(testBidRequest(12))
	require.True(t, ok)
}

func TestPayloadCacheEvictBeforeEmpty(t *testing.T) {
	cache := NewPayloadCache()
	require.Equal(t, 0, cache.EvictBefore(100, 1))
}
