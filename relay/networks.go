package relay

import (
	"errors"
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-boost-utils/ssz"
)

var ErrUnknownNetwork = errors.New("unknown network")

// NetworkDetails carries the per-network consensus constants the relay needs:
// genesis information, slot timing, fork schedule and the signing domains
// derived from them. It is immutable after construction.
type NetworkDetails struct {
	Name string

	GenesisTime           uint64
	GenesisValidatorsRoot phase0.Root
	GenesisForkVersion    phase0.Version

	SlotsPerEpoch  uint64
	SecondsPerSlot uint64

	BellatrixForkEpoch   uint64
	CapellaForkEpoch     uint64
	DenebForkEpoch       uint64
	BellatrixForkVersion phase0.Version
	CapellaForkVersion   phase0.Version
	DenebForkVersion     phase0.Version

	DomainBuilder                 phase0.Domain
	DomainBeaconProposerBellatrix phase0.Domain
	DomainBeaconProposerCapella   phase0.Domain
	DomainBeaconProposerDeneb     phase0.Domain
}

func NewNetworkDetails(network string) (*NetworkDetails, error) {
	var n *NetworkDetails
	switch network {
	case "mainnet":
		n = &NetworkDetails{
			Name:                  "mainnet",
			GenesisTime:           1606824023,
			GenesisValidatorsRoot: root("0x4b363db94e286120d76eb905340fdd4e54bfe9f06bf33ff6cf5ad27f511bfe95"),
			GenesisForkVersion:    phase0.Version{0x00, 0x00, 0x00, 0x00},
			SlotsPerEpoch:         32,
			SecondsPerSlot:        12,
			BellatrixForkEpoch:    144896,
			CapellaForkEpoch:      194048,
			DenebForkEpoch:        269568,
			BellatrixForkVersion:  phase0.Version{0x02, 0x00, 0x00, 0x00},
			CapellaForkVersion:    phase0.Version{0x03, 0x00, 0x00, 0x00},
			DenebForkVersion:      phase0.Version{0x04, 0x00, 0x00, 0x00},
		}
	case "holesky":
		n = &NetworkDetails{
			Name:                  "holesky",
			GenesisTime:           1695902400,
			GenesisValidatorsRoot: root("0x9143aa7c615a7f7115e2b6aac319c03529df8242ae705fba9df39b79c59fa8b1"),
			GenesisForkVersion:    phase0.Version{0x01, 0x01, 0x70, 0x00},
			SlotsPerEpoch:         32,
			SecondsPerSlot:        12,
			BellatrixForkEpoch:    0,
			CapellaForkEpoch:      256,
			DenebForkEpoch:        29696,
			BellatrixForkVersion:  phase0.Version{0x03, 0x01, 0x70, 0x00},
			CapellaForkVersion:    phase0.Version{0x04, 0x01, 0x70, 0x00},
			DenebForkVersion:      phase0.Version{0x05, 0x01, 0x70, 0x00},
		}
	case "sepolia":
		n = &NetworkDetails{
			Name:                  "sepolia",
			GenesisTime:           1655733600,
			GenesisValidatorsRoot: root("0xd8ea171f3c94aea21ebc42a1ed61052acf3f9209c00e4efbaaddac09ed9b8078"),
			GenesisForkVersion:    phase0.Version{0x90, 0x00, 0x00, 0x69},
			SlotsPerEpoch:         32,
			SecondsPerSlot:        12,
			BellatrixForkEpoch:    100,
			CapellaForkEpoch:      56832,
			DenebForkEpoch:        132608,
			BellatrixForkVersion:  phase0.Version{0x90, 0x00, 0x00, 0x71},
			CapellaForkVersion:    phase0.Version{0x90, 0x00, 0x00, 0x72},
			DenebForkVersion:      phase0.Version{0x90, 0x00, 0x00, 0x73},
		}
	default:
		return nil, ErrUnknownNetwork
	}
	n.computeDomains()
	return n, nil
}

// computeDomains fills in the signing domains. The builder domain binds to
// the genesis fork version and a zero root per the builder specs; the
// proposer domains bind to each fork's version and the genesis validators
// root.
func (n *NetworkDetails) computeDomains() {
	n.DomainBuilder = ssz.ComputeDomain(ssz.DomainTypeAppBuilder, n.GenesisForkVersion, phase0.Root{})
	n.DomainBeaconProposerBellatrix = ssz.ComputeDomain(ssz.DomainTypeBeaconProposer, n.BellatrixForkVersion, n.GenesisValidatorsRoot)
	n.DomainBeaconProposerCapella = ssz.ComputeDomain(ssz.DomainTypeBeaconProposer, n.CapellaForkVersion, n.GenesisValidatorsRoot)
	n.DomainBeaconProposerDeneb = ssz.ComputeDomain(ssz.DomainTypeBeaconProposer, n.DenebForkVersion, n.GenesisValidatorsRoot)
}

// CurrentSlot returns the wall-clock slot at the given time.
func (n *NetworkDetails) CurrentSlot(now time.Time) phase0.Slot {
	ts := uint64(now.Unix())
	if ts < n.GenesisTime {
		return 0
	}
	return phase0.Slot((ts - n.GenesisTime) / n.SecondsPerSlot)
}

// SlotStartTime returns the wall-clock time at which the slot begins.
func (n *NetworkDetails) SlotStartTime(slot phase0.Slot) time.Time {
	return time.Unix(int64(n.GenesisTime+uint64(slot)*n.SecondsPerSlot), 0)
}

// IsEpochBoundary reports whether slot is the first slot of an epoch.
func (n *NetworkDetails) IsEpochBoundary(slot phase0.Slot) bool {
	return uint64(slot)%n.SlotsPerEpoch == 0
}

// ForkAt returns the consensus fork active at the given slot.
func (n *NetworkDetails) ForkAt(slot phase0.Slot) spec.DataVersion {
	epoch := uint64(slot) / n.SlotsPerEpoch
	switch {
	case epoch >= n.DenebForkEpoch:
		return spec.DataVersionDeneb
	case epoch >= n.CapellaForkEpoch:
		return spec.DataVersionCapella
	default:
		return spec.DataVersionBellatrix
	}
}

// ExpectedSlot returns the earliest slot a bid request is considered timely
// for under the given fork: one full epoch past the fork's activation epoch.
func (n *NetworkDetails) ExpectedSlot(fork spec.DataVersion) (phase0.Slot, error) {
	switch fork {
	case spec.DataVersionBellatrix:
		return phase0.Slot(n.BellatrixForkEpoch*n.SlotsPerEpoch + n.SlotsPerEpoch), nil
	case spec.DataVersionCapella:
		return phase0.Slot(n.CapellaForkEpoch*n.SlotsPerEpoch + n.SlotsPerEpoch), nil
	case spec.DataVersionDeneb:
		return phase0.Slot(n.DenebForkEpoch*n.SlotsPerEpoch + n.SlotsPerEpoch), nil
	default:
		return 0, ErrUnsupportedFork
	}
}

// DomainBeaconProposer returns the proposer signing domain for the fork a
// blinded block was produced under.
func (n *NetworkDetails) DomainBeaconProposer(fork spec.DataVersion) (phase0.Domain, error) {
	switch fork {
	case spec.DataVersionBellatrix:
		return n.DomainBeaconProposerBellatrix, nil
	case spec.DataVersionCapella:
		return n.DomainBeaconProposerCapella, nil
	case spec.DataVersionDeneb:
		return n.DomainBeaconProposerDeneb, nil
	default:
		return phase0.Domain{}, ErrUnsupportedFork
	}
}

func root(h string) phase0.Root {
	return phase0.Root(common.HexToHash(h))
}
