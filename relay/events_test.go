package relay

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func TestEventID(t *testing.T) {
	request := &BidRequest{
		Slot:       123,
		ParentHash: phase0.Hash32{0x01},
		Pubkey:     phase0.BLSPubKey{0x02},
	}
	blockHash := phase0.Hash32{0x03}

	// deterministic
	require.Equal(t, eventID(request, blockHash), eventID(request, blockHash))

	// sensitive to every input
	other := *request
	other.Slot = 124
	require.NotEqual(t, eventID(request, blockHash), eventID(&other, blockHash))
	require.NotEqual(t, eventID(request, blockHash), eventID(request, phase0.Hash32{0x04}))
}
