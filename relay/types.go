// Package relay implements a blind block-auction relay: it validates bid
// requests from block proposers, answers them with signed header-only bids
// while withholding the payload bodies, and reveals a payload only once the
// proposer commits to it with a validly signed blinded block.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	builderApiDeneb "github.com/attestantio/go-builder-client/api/deneb"
	eth2ApiV1Bellatrix "github.com/attestantio/go-eth2-client/api/v1/bellatrix"
	eth2ApiV1Capella "github.com/attestantio/go-eth2-client/api/v1/capella"
	eth2ApiV1Deneb "github.com/attestantio/go-eth2-client/api/v1/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
)

var (
	ErrInvalidSlot           = errors.New("invalid slot")
	ErrInvalidParentHash     = errors.New("parent hash is not on the chain tip")
	ErrUnregisteredValidator = errors.New("validator not registered")
	ErrMissingPreferences    = errors.New("no preferences for validator")
	ErrInvalidGasLimit       = errors.New("invalid gas limit")
	ErrUnknownBid            = errors.New("unknown bid")
	ErrUnknownBlock          = errors.New("unknown block")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrUnknownValidatorIndex = errors.New("unknown validator index")
	ErrInvalidTimestamp      = errors.New("invalid registration timestamp")
	ErrNoPayload             = errors.New("no builder payload available")
	ErrAlreadyDelivered      = errors.New("a different payload was already delivered for this slot")
	ErrEmptyPayload          = errors.New("empty versioned payload")
	ErrUnsupportedFork       = errors.New("unsupported fork")
)

const (
	RegisterValidatorsEndpointName = "relay_registerValidators"
	GetHeaderEndpointName          = "relay_getHeader"
	GetPayloadEndpointName         = "relay_getPayload"
)

// BidRequest identifies one auction round: one proposer asking for a header
// to propose at a slot on top of a parent block. It is the key under which
// the withheld payload is cached.
type BidRequest struct {
	Slot       phase0.Slot      `json:"slot,string"`
	ParentHash phase0.Hash32    `json:"parentHash"`
	Pubkey     phase0.BLSPubKey `json:"pubkey"`
}

func (r *BidRequest) String() string {
	return fmt.Sprintf("slot %d, parent hash %#x, proposer %#x", r.Slot, r.ParentHash, r.Pubkey)
}

// VersionedExecutionPayload is the closed set of execution payload variants
// the relay understands, tagged by consensus fork. Exactly one variant is
// set; the Deneb variant carries the blobs bundle alongside the payload.
// Every consumer switches exhaustively on Version so that adding a fork
// breaks compilation at each site that needs updating.
type VersionedExecutionPayload struct {
	Version   spec.DataVersion                                `json:"version"`
	Bellatrix *bellatrix.ExecutionPayload                     `json:"bellatrix,omitempty"`
	Capella   *capella.ExecutionPayload                       `json:"capella,omitempty"`
	Deneb     *builderApiDeneb.ExecutionPayloadAndBlobsBundle `json:"deneb,omitempty"`
}

func (p *VersionedExecutionPayload) BlockHash() (phase0.Hash32, error) {
	switch p.Version {
	case spec.DataVersionBellatrix:
		if p.Bellatrix == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return p.Bellatrix.BlockHash, nil
	case spec.DataVersionCapella:
		if p.Capella == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return p.Capella.BlockHash, nil
	case spec.DataVersionDeneb:
		if p.Deneb == nil || p.Deneb.ExecutionPayload == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return p.Deneb.ExecutionPayload.BlockHash, nil
	default:
		return phase0.Hash32{}, ErrUnsupportedFork
	}
}

func (p *VersionedExecutionPayload) GasLimit() (uint64, error) {
	switch p.Version {
	case spec.DataVersionBellatrix:
		if p.Bellatrix == nil {
			return 0, ErrEmptyPayload
		}
		return p.Bellatrix.GasLimit, nil
	case spec.DataVersionCapella:
		if p.Capella == nil {
			return 0, ErrEmptyPayload
		}
		return p.Capella.GasLimit, nil
	case spec.DataVersionDeneb:
		if p.Deneb == nil || p.Deneb.ExecutionPayload == nil {
			return 0, ErrEmptyPayload
		}
		return p.Deneb.ExecutionPayload.GasLimit, nil
	default:
		return 0, ErrUnsupportedFork
	}
}

func (p *VersionedExecutionPayload) GasUsed() (uint64, error) {
	switch p.Version {
	case spec.DataVersionBellatrix:
		if p.Bellatrix == nil {
			return 0, ErrEmptyPayload
		}
		return p.Bellatrix.GasUsed, nil
	case spec.DataVersionCapella:
		if p.Capella == nil {
			return 0, ErrEmptyPayload
		}
		return p.Capella.GasUsed, nil
	case spec.DataVersionDeneb:
		if p.Deneb == nil || p.Deneb.ExecutionPayload == nil {
			return 0, ErrEmptyPayload
		}
		return p.Deneb.ExecutionPayload.GasUsed, nil
	default:
		return 0, ErrUnsupportedFork
	}
}

// VersionedSignedBlindedBeaconBlock is the proposer's commitment to a bid: a
// blinded block carrying the payload header and the proposer's signature.
type VersionedSignedBlindedBeaconBlock struct {
	Version   spec.DataVersion
	Bellatrix *eth2ApiV1Bellatrix.SignedBlindedBeaconBlock
	Capella   *eth2ApiV1Capella.SignedBlindedBeaconBlock
	Deneb     *eth2ApiV1Deneb.SignedBlindedBeaconBlock
}

func (b *VersionedSignedBlindedBeaconBlock) Slot() (phase0.Slot, error) {
	switch b.Version {
	case spec.DataVersionBellatrix:
		if b.Bellatrix == nil || b.Bellatrix.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Bellatrix.Message.Slot, nil
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Capella.Message.Slot, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Deneb.Message.Slot, nil
	default:
		return 0, ErrUnsupportedFork
	}
}

func (b *VersionedSignedBlindedBeaconBlock) ProposerIndex() (phase0.ValidatorIndex, error) {
	switch b.Version {
	case spec.DataVersionBellatrix:
		if b.Bellatrix == nil || b.Bellatrix.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Bellatrix.Message.ProposerIndex, nil
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Capella.Message.ProposerIndex, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.Message == nil {
			return 0, ErrEmptyPayload
		}
		return b.Deneb.Message.ProposerIndex, nil
	default:
		return 0, ErrUnsupportedFork
	}
}

// ParentHash returns the execution parent hash the blinded block builds on.
func (b *VersionedSignedBlindedBeaconBlock) ParentHash() (phase0.Hash32, error) {
	switch b.Version {
	case spec.DataVersionBellatrix:
		if b.Bellatrix == nil || b.Bellatrix.Message == nil || b.Bellatrix.Message.Body == nil || b.Bellatrix.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Bellatrix.Message.Body.ExecutionPayloadHeader.ParentHash, nil
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil || b.Capella.Message.Body == nil || b.Capella.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Capella.Message.Body.ExecutionPayloadHeader.ParentHash, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.Message == nil || b.Deneb.Message.Body == nil || b.Deneb.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Deneb.Message.Body.ExecutionPayloadHeader.ParentHash, nil
	default:
		return phase0.Hash32{}, ErrUnsupportedFork
	}
}

// BlockHash returns the execution block hash the proposer claims to commit to.
func (b *VersionedSignedBlindedBeaconBlock) BlockHash() (phase0.Hash32, error) {
	switch b.Version {
	case spec.DataVersionBellatrix:
		if b.Bellatrix == nil || b.Bellatrix.Message == nil || b.Bellatrix.Message.Body == nil || b.Bellatrix.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Bellatrix.Message.Body.ExecutionPayloadHeader.BlockHash, nil
	case spec.DataVersionCapella:
		if b.Capella == nil || b.Capella.Message == nil || b.Capella.Message.Body == nil || b.Capella.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Capella.Message.Body.ExecutionPayloadHeader.BlockHash, nil
	case spec.DataVersionDeneb:
		if b.Deneb == nil || b.Deneb.Message == nil || b.Deneb.Message.Body == nil || b.Deneb.Message.Body.ExecutionPayloadHeader == nil {
			return phase0.Hash32{}, ErrEmptyPayload
		}
		return b.Deneb.Message.Body.ExecutionPayloadHeader.BlockHash, nil
	default:
		return phase0.Hash32{}, ErrUnsupportedFork
	}
}

func (b *VersionedSignedBlindedBeaconBlock) MarshalJSON() ([]byte, error) {
	switch b.Version {
	case spec.DataVersionBellatrix:
		return json.Marshal(b.Bellatrix)
	case spec.DataVersionCapella:
		return json.Marshal(b.Capella)
	case spec.DataVersionDeneb:
		return json.Marshal(b.Deneb)
	default:
		return nil, ErrUnsupportedFork
	}
}

// UnmarshalJSON decodes a signed blinded beacon block of any supported fork,
// newest first. The fork-specific decoders reject blocks with missing fields,
// so the first one to succeed determines the version.
func (b *VersionedSignedBlindedBeaconBlock) UnmarshalJSON(data []byte) error {
	var deneb eth2ApiV1Deneb.SignedBlindedBeaconBlock
	if err := json.Unmarshal(data, &deneb); err == nil {
		b.Version = spec.DataVersionDeneb
		b.Deneb = &deneb
		return nil
	}

	var capella eth2ApiV1Capella.SignedBlindedBeaconBlock
	if err := json.Unmarshal(data, &capella); err == nil {
		b.Version = spec.DataVersionCapella
		b.Capella = &capella
		return nil
	}

	var bellatrix eth2ApiV1Bellatrix.SignedBlindedBeaconBlock
	if err := json.Unmarshal(data, &bellatrix); err == nil {
		b.Version = spec.DataVersionBellatrix
		b.Bellatrix = &bellatrix
		return nil
	}

	return ErrUnsupportedFork
}
