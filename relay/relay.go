package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	builderApiBellatrix "github.com/attestantio/go-builder-client/api/bellatrix"
	builderApiCapella "github.com/attestantio/go-builder-client/api/capella"
	builderApiDeneb "github.com/attestantio/go-builder-client/api/deneb"
	builderApiV1 "github.com/attestantio/go-builder-client/api/v1"
	builderSpec "github.com/attestantio/go-builder-client/spec"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/flashbots/blind-relay/metrics"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/flashbots/go-boost-utils/ssz"
	"github.com/flashbots/go-boost-utils/utils"
	"go.uber.org/zap"
)

// ProposalTolerance is how many slots past an auction's slot a bid request or
// cached payload is still considered live.
const ProposalTolerance uint64 = 1

const deliveryRecordTimeout = 10 * time.Second

// DeliveryStore records payload deliveries for the data API.
type DeliveryStore interface {
	InsertDeliveredPayload(ctx context.Context, event *BidEvent) error
}

// DeliveryGuard marks auctions as delivered across relay instances so a
// proposer cannot obtain two different payloads for the same slot.
type DeliveryGuard interface {
	MarkDelivered(ctx context.Context, slot phase0.Slot, proposer phase0.BLSPubKey, blockHash phase0.Hash32) (bool, error)
}

// RegistrationSink accepts validated registrations for asynchronous
// persistence. It is satisfied by the regqueue redis queue.
type RegistrationSink interface {
	Push(ctx context.Context, data json.RawMessage) error
}

// Relay runs the blind auction: it answers bid requests with signed
// header-only bids, keeps the payload bodies withheld, and reveals a payload
// once the proposer commits with a validly signed blinded block.
type Relay struct {
	log     *zap.Logger
	network *NetworkDetails

	secretKey *bls.SecretKey
	publicKey phase0.BLSPubKey

	registry *ValidatorRegistry
	builders *BuildersBackend
	payloads *PayloadCache

	// optional backends, nil when not configured
	events EventBackend
	store  DeliveryStore
	sink   RegistrationSink
	guard  DeliveryGuard

	chainTipMu sync.RWMutex
	chainTip   phase0.Hash32

	lastSlot atomic.Uint64
}

type RelayOpts struct {
	Log       *zap.Logger
	Network   *NetworkDetails
	SecretKey *bls.SecretKey
	Registry  *ValidatorRegistry
	Builders  *BuildersBackend

	Events EventBackend
	Store  DeliveryStore
	Sink   RegistrationSink
	Guard  DeliveryGuard
}

func NewRelay(opts RelayOpts) (*Relay, error) {
	blsPubkey, err := bls.PublicKeyFromSecretKey(opts.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("deriving relay public key: %w", err)
	}
	publicKey, err := utils.BlsPublicKeyToPublicKey(blsPubkey)
	if err != nil {
		return nil, fmt.Errorf("deriving relay public key: %w", err)
	}

	return &Relay{
		log:       opts.Log,
		network:   opts.Network,
		secretKey: opts.SecretKey,
		publicKey: publicKey,
		registry:  opts.Registry,
		builders:  opts.Builders,
		payloads:  NewPayloadCache(),
		events:    opts.Events,
		store:     opts.Store,
		sink:      opts.Sink,
		guard:     opts.Guard,
	}, nil
}

// PublicKey returns the key the relay signs bids with.
func (r *Relay) PublicKey() phase0.BLSPubKey {
	return r.publicKey
}

// Initialize loads the validator set. Call once before serving.
func (r *Relay) Initialize(ctx context.Context) error {
	return r.registry.Load(ctx)
}

// SetChainTip records the execution block hash of the current chain head.
func (r *Relay) SetChainTip(hash phase0.Hash32) {
	r.chainTipMu.Lock()
	r.chainTip = hash
	r.chainTipMu.Unlock()
}

func (r *Relay) ChainTip() phase0.Hash32 {
	r.chainTipMu.RLock()
	defer r.chainTipMu.RUnlock()
	return r.chainTip
}

// OnSlot advances the relay's clock. Slots at or below the last seen slot are
// ignored so a lagging caller cannot roll the relay backwards. Expired
// payloads are evicted every slot; the validator set is refreshed on epoch
// boundaries.
func (r *Relay) OnSlot(ctx context.Context, slot phase0.Slot) error {
	for {
		last := r.lastSlot.Load()
		if uint64(slot) <= last {
			return nil
		}
		if r.lastSlot.CompareAndSwap(last, uint64(slot)) {
			break
		}
	}

	if evicted := r.payloads.EvictBefore(slot, ProposalTolerance); evicted > 0 {
		r.log.Info("evicted expired payloads", zap.Int("count", evicted), zap.Uint64("slot", uint64(slot)))
	}

	if r.network.IsEpochBoundary(slot) {
		if err := r.registry.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterValidators validates a batch of signed registrations, applies the
// valid ones and hands them to the persistence sink.
func (r *Relay) RegisterValidators(ctx context.Context, regs []*builderApiV1.SignedValidatorRegistration) error {
	applied, err := r.registry.ValidateRegistrations(regs, time.Now())

	if r.sink != nil {
		for _, reg := range applied {
			data, merr := json.Marshal(reg)
			if merr != nil {
				r.log.Error("failed to encode registration for persistence", zap.Error(merr))
				continue
			}
			if perr := r.sink.Push(ctx, data); perr != nil {
				r.log.Warn("failed to enqueue registration", zap.Error(perr))
			}
		}
	}
	return err
}

// FetchBestBid runs one auction round: it validates the bid request, asks the
// builders for their best payload, withholds the payload and returns a signed
// header-only bid committing to it.
func (r *Relay) FetchBestBid(ctx context.Context, request *BidRequest) (*builderSpec.VersionedSignedBuilderBid, error) {
	fork := r.network.ForkAt(request.Slot)
	expectedSlot, err := r.network.ExpectedSlot(fork)
	if err != nil {
		return nil, err
	}
	if request.Slot+phase0.Slot(ProposalTolerance) < expectedSlot {
		return nil, fmt.Errorf("%w: slot %d is before the active fork", ErrInvalidSlot, request.Slot)
	}

	if tip := r.ChainTip(); request.ParentHash != tip {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidParentHash, request.ParentHash)
	}

	if !r.registry.KnownValidator(request.Pubkey) {
		return nil, fmt.Errorf("%w: %#x", ErrUnregisteredValidator, request.Pubkey)
	}
	prefs, ok := r.registry.Preferences(request.Pubkey)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrMissingPreferences, request.Pubkey)
	}

	payload, err := r.builders.GetBestPayload(ctx, r.log, request, prefs.FeeRecipient, prefs.GasLimit)
	if err != nil {
		return nil, err
	}

	// TODO: let the gas limit drift toward the registered target under the
	// protocol's per-block adjustment bound instead of requiring equality.
	gasLimit, err := payload.Payload.GasLimit()
	if err != nil {
		return nil, err
	}
	if gasLimit != prefs.GasLimit {
		return nil, fmt.Errorf("%w: payload has %d, validator wants %d", ErrInvalidGasLimit, gasLimit, prefs.GasLimit)
	}

	signedBid, err := r.signBuilderBid(payload)
	if err != nil {
		return nil, err
	}

	r.payloads.Insert(*request, payload)
	metrics.IncBidsServed()
	r.log.Info("served bid",
		zap.String("request", request.String()),
		zap.String("value", payload.Value.Dec()),
	)
	return signedBid, nil
}

// signBuilderBid turns the payload into a header-only bid signed under the
// builder domain.
func (r *Relay) signBuilderBid(payload *PayloadWithValue) (*builderSpec.VersionedSignedBuilderBid, error) {
	switch payload.Payload.Version {
	case spec.DataVersionBellatrix:
		if payload.Payload.Bellatrix == nil {
			return nil, ErrEmptyPayload
		}
		header, err := bellatrixPayloadToHeader(payload.Payload.Bellatrix)
		if err != nil {
			return nil, err
		}
		bid := &builderApiBellatrix.BuilderBid{
			Header: header,
			Value:  payload.Value,
			Pubkey: r.publicKey,
		}
		signature, err := ssz.SignMessage(bid, r.network.DomainBuilder, r.secretKey)
		if err != nil {
			return nil, err
		}
		return &builderSpec.VersionedSignedBuilderBid{
			Version: spec.DataVersionBellatrix,
			Bellatrix: &builderApiBellatrix.SignedBuilderBid{
				Message:   bid,
				Signature: signature,
			},
		}, nil
	case spec.DataVersionCapella:
		if payload.Payload.Capella == nil {
			return nil, ErrEmptyPayload
		}
		header, err := capellaPayloadToHeader(payload.Payload.Capella)
		if err != nil {
			return nil, err
		}
		bid := &builderApiCapella.BuilderBid{
			Header: header,
			Value:  payload.Value,
			Pubkey: r.publicKey,
		}
		signature, err := ssz.SignMessage(bid, r.network.DomainBuilder, r.secretKey)
		if err != nil {
			return nil, err
		}
		return &builderSpec.VersionedSignedBuilderBid{
			Version: spec.DataVersionCapella,
			Capella: &builderApiCapella.SignedBuilderBid{
				Message:   bid,
				Signature: signature,
			},
		}, nil
	case spec.DataVersionDeneb:
		if payload.Payload.Deneb == nil || payload.Payload.Deneb.ExecutionPayload == nil || payload.Payload.Deneb.BlobsBundle == nil {
			return nil, ErrEmptyPayload
		}
		header, err := denebPayloadToHeader(payload.Payload.Deneb.ExecutionPayload)
		if err != nil {
			return nil, err
		}
		bid := &builderApiDeneb.BuilderBid{
			Header:             header,
			BlobKZGCommitments: payload.Payload.Deneb.BlobsBundle.Commitments,
			Value:              payload.Value,
			Pubkey:             r.publicKey,
		}
		signature, err := ssz.SignMessage(bid, r.network.DomainBuilder, r.secretKey)
		if err != nil {
			return nil, err
		}
		return &builderSpec.VersionedSignedBuilderBid{
			Version: spec.DataVersionDeneb,
			Deneb: &builderApiDeneb.SignedBuilderBid{
				Message:   bid,
				Signature: signature,
			},
		}, nil
	default:
		return nil, ErrUnsupportedFork
	}
}

// OpenBid reveals the payload a signed blinded block commits to. The payload
// is taken from the cache before the proposer signature is checked, so a
// proposer presenting an invalid commitment forfeits the payload.
func (r *Relay) OpenBid(ctx context.Context, signedBlock *VersionedSignedBlindedBeaconBlock) (*VersionedExecutionPayload, error) {
	slot, err := signedBlock.Slot()
	if err != nil {
		return nil, err
	}
	parentHash, err := signedBlock.ParentHash()
	if err != nil {
		return nil, err
	}
	blockHash, err := signedBlock.BlockHash()
	if err != nil {
		return nil, err
	}
	proposerIndex, err := signedBlock.ProposerIndex()
	if err != nil {
		return nil, err
	}

	pubkey, err := r.registry.PublicKey(ctx, proposerIndex)
	if err != nil {
		return nil, err
	}

	request := BidRequest{Slot: slot, ParentHash: parentHash, Pubkey: pubkey}
	payload, ok := r.payloads.Take(request)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBid, request.String())
	}

	payloadHash, err := payload.Payload.BlockHash()
	if err != nil {
		return nil, err
	}
	if payloadHash != blockHash {
		return nil, fmt.Errorf("%w: committed %#x, offered %#x", ErrUnknownBlock, blockHash, payloadHash)
	}

	if err := r.verifyProposerSignature(signedBlock, pubkey); err != nil {
		return nil, err
	}

	if r.guard != nil {
		first, err := r.guard.MarkDelivered(ctx, slot, pubkey, blockHash)
		if err != nil {
			// availability over strictness: the local take already prevents
			// double delivery from this instance
			r.log.Warn("failed to mark delivery", zap.Error(err), zap.String("request", request.String()))
		} else if !first {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyDelivered, request.String())
		}
	}

	metrics.IncPayloadsDelivered()
	r.log.Info("delivered payload",
		zap.String("request", request.String()),
		zap.String("blockHash", fmt.Sprintf("%#x", blockHash)),
	)
	r.recordDelivery(&request, payload, blockHash, proposerIndex)

	return payload.Payload, nil
}

func (r *Relay) verifyProposerSignature(signedBlock *VersionedSignedBlindedBeaconBlock, pubkey phase0.BLSPubKey) error {
	domain, err := r.network.DomainBeaconProposer(signedBlock.Version)
	if err != nil {
		return err
	}

	var ok bool
	switch signedBlock.Version {
	case spec.DataVersionBellatrix:
		ok, err = ssz.VerifySignature(signedBlock.Bellatrix.Message, domain, pubkey[:], signedBlock.Bellatrix.Signature[:])
	case spec.DataVersionCapella:
		ok, err = ssz.VerifySignature(signedBlock.Capella.Message, domain, pubkey[:], signedBlock.Capella.Signature[:])
	case spec.DataVersionDeneb:
		ok, err = ssz.VerifySignature(signedBlock.Deneb.Message, domain, pubkey[:], signedBlock.Deneb.Signature[:])
	default:
		return ErrUnsupportedFork
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: proposer %#x", ErrInvalidSignature, pubkey)
	}
	return nil
}

// recordDelivery publishes the bid event and persists the delivery trace in
// the background. The payload has already been handed over; failures here are
// logged, not surfaced to the proposer.
func (r *Relay) recordDelivery(request *BidRequest, payload *PayloadWithValue, blockHash phase0.Hash32, proposerIndex phase0.ValidatorIndex) {
	if r.events == nil && r.store == nil {
		return
	}

	gasUsed, err := payload.Payload.GasUsed()
	if err != nil {
		r.log.Error("failed to read gas used from delivered payload", zap.Error(err))
	}
	event := &BidEvent{
		ID:            eventID(request, blockHash),
		Slot:          request.Slot,
		ParentHash:    request.ParentHash,
		ProposerKey:   request.Pubkey,
		BlockHash:     blockHash,
		Value:         payload.Value,
		GasUsed:       gasUsed,
		ProposerIndex: uint64(proposerIndex),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryRecordTimeout)
		defer cancel()

		if r.events != nil {
			if err := r.events.PublishBidEvent(ctx, event); err != nil {
				r.log.Warn("failed to publish bid event", zap.Error(err), zap.String("event", event.String()))
			}
		}
		if r.store != nil {
			if err := r.store.InsertDeliveredPayload(ctx, event); err != nil {
				r.log.Warn("failed to record delivered payload", zap.Error(err), zap.String("event", event.String()))
			}
		}
	}()
}
