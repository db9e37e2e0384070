package relay

import (
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"
)

func TestNewNetworkDetails(t *testing.T) {
	for _, name := range []string{"mainnet", "holesky", "sepolia"} {
		network, err := NewNetworkDetails(name)
		require.NoError(t, err)
		require.Equal(t, name, network.Name)
		require.NotEqual(t, phase0.Domain{}, network.DomainBuilder)
		require.NotEqual(t, phase0.Domain{}, network.DomainBeaconProposerCapella)
	}

	_, err := NewNetworkDetails("testnet-42")
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestCurrentSlot(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	genesis := time.Unix(int64(network.GenesisTime), 0)
	require.Equal(t, phase0.Slot(0), network.CurrentSlot(genesis))
	require.Equal(t, phase0.Slot(0), network.CurrentSlot(genesis.Add(11*time.Second)))
	require.Equal(t, phase0.Slot(1), network.CurrentSlot(genesis.Add(12*time.Second)))
	require.Equal(t, phase0.Slot(10), network.CurrentSlot(genesis.Add(120*time.Second)))

	// before genesis
	require.Equal(t, phase0.Slot(0), network.CurrentSlot(genesis.Add(-time.Hour)))
}

func TestSlotStartTime(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	start := network.SlotStartTime(100)
	require.Equal(t, phase0.Slot(100), network.CurrentSlot(start))
	require.Equal(t, phase0.Slot(99), network.CurrentSlot(start.Add(-time.Second)))
}

func TestIsEpochBoundary(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	require.True(t, network.IsEpochBoundary(0))
	require.True(t, network.IsEpochBoundary(32))
	require.False(t, network.IsEpochBoundary(33))
}

func TestForkAt(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	capellaSlot := phase0.Slot(network.CapellaForkEpoch * network.SlotsPerEpoch)
	denebSlot := phase0.Slot(network.DenebForkEpoch * network.SlotsPerEpoch)

	require.Equal(t, spec.DataVersionBellatrix, network.ForkAt(capellaSlot-1))
	require.Equal(t, spec.DataVersionCapella, network.ForkAt(capellaSlot))
	require.Equal(t, spec.DataVersionCapella, network.ForkAt(denebSlot-1))
	require.Equal(t, spec.DataVersionDeneb, network.ForkAt(denebSlot))
}

func TestExpectedSlot(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	expected, err := network.ExpectedSlot(spec.DataVersionCapella)
	require.NoError(t, err)
	require.Equal(t, phase0.Slot((network.CapellaForkEpoch+1)*network.SlotsPerEpoch), expected)

	_, err = network.ExpectedSlot(spec.DataVersionPhase0)
	require.ErrorIs(t, err, ErrUnsupportedFork)
}

func TestDomainBeaconProposer(t *testing.T) {
	network, err := NewNetworkDetails("mainnet")
	require.NoError(t, err)

	bellatrixDomain, err := network.DomainBeaconProposer(spec.DataVersionBellatrix)
	require.NoError(t, err)
	capellaDomain, err := network.DomainBeaconProposer(spec.DataVersionCapella)
	require.NoError(t, err)
	require.NotEqual(t, bellatrixDomain, capellaDomain)

	_, err = network.DomainBeaconProposer(spec.DataVersionPhase0)
	require.ErrorIs(t, err, ErrUnsupportedFork)
}
