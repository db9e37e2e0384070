package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	builderApiV1 "github.com/attestantio/go-builder-client/api/v1"
	eth2Api "github.com/attestantio/go-eth2-client/api"
	eth2ApiV1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/blind-relay/metrics"
	"github.com/flashbots/go-boost-utils/ssz"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// Registrations from the future are accepted up to this much clock skew.
	registrationTimestampSkew = 10 * time.Second

	indexCacheTTL     = 5 * time.Minute
	indexCacheCleanup = time.Minute

	lastSeenCacheSize = 8192

	// A failed refresh gives up after this long; the previously loaded set
	// stays in use and the next epoch boundary tries again.
	defaultLoadRetryMaxElapsed = 10 * time.Second
)

// ValidatorsProvider is the beacon-node surface the registry needs. It is
// satisfied by the eth2 HTTP client.
type ValidatorsProvider interface {
	Validators(ctx context.Context, opts *eth2Api.ValidatorsOpts) (*eth2Api.Response[map[phase0.ValidatorIndex]*eth2ApiV1.Validator], error)
}

// ValidatorPreferences is the proposer-supplied part of a validator
// registration the relay acts on when building bids.
type ValidatorPreferences struct {
	FeeRecipient bellatrix.ExecutionAddress
	GasLimit     uint64
	Timestamp    time.Time
}

// ValidatorRegistry tracks the validator set known to the beacon node and the
// signed preferences proposers have registered. The index and pubkey maps are
// replaced wholesale on Load; preferences accumulate across loads so a
// registration survives the epoch refresh.
type ValidatorRegistry struct {
	log           *zap.Logger
	provider      ValidatorsProvider
	domainBuilder phase0.Domain
	genesisTime   uint64

	loadRetryMaxElapsed time.Duration

	mu       sync.RWMutex
	byPubkey map[phase0.BLSPubKey]phase0.ValidatorIndex
	byIndex  map[phase0.ValidatorIndex]phase0.BLSPubKey
	prefs    map[phase0.BLSPubKey]ValidatorPreferences

	lastSeen *lru.Cache[phase0.BLSPubKey, time.Time]

	// On-demand index lookups are cached and coalesced so a burst of opened
	// bids for the same proposer hits the beacon node once.
	indexCache *gocache.Cache
	inflightMu sync.Mutex
	inflight   map[phase0.ValidatorIndex][]chan pubkeyResult
}

type pubkeyResult struct {
	pubkey phase0.BLSPubKey
	err    error
}

func NewValidatorRegistry(log *zap.Logger, provider ValidatorsProvider, network *NetworkDetails) *ValidatorRegistry {
	return &ValidatorRegistry{
		log:                 log,
		provider:            provider,
		domainBuilder:       network.DomainBuilder,
		genesisTime:         network.GenesisTime,
		loadRetryMaxElapsed: defaultLoadRetryMaxElapsed,
		byPubkey:            make(map[phase0.BLSPubKey]phase0.ValidatorIndex),
		byIndex:             make(map[phase0.ValidatorIndex]phase0.BLSPubKey),
		prefs:               make(map[phase0.BLSPubKey]ValidatorPreferences),
		lastSeen:            lru.NewCache[phase0.BLSPubKey, time.Time](lastSeenCacheSize),
		indexCache:          gocache.New(indexCacheTTL, indexCacheCleanup),
		inflight:            make(map[phase0.ValidatorIndex][]chan pubkeyResult),
	}
}

// Load refreshes the validator set from the beacon node, retrying with
// exponential backoff for a bounded time. It replaces the index maps but
// keeps registered preferences; on failure the previous set stays in use.
func (r *ValidatorRegistry) Load(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = r.loadRetryMaxElapsed

	var resp *eth2Api.Response[map[phase0.ValidatorIndex]*eth2ApiV1.Validator]
	err := backoff.Retry(func() error {
		var err error
		resp, err = r.provider.Validators(ctx, &eth2Api.ValidatorsOpts{
			State: "head",
		})
		if err != nil {
			r.log.Warn("failed to fetch validator set, retrying", zap.Error(err))
		}
		return err
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return fmt.Errorf("loading validator set: %w", err)
	}

	byPubkey := make(map[phase0.BLSPubKey]phase0.ValidatorIndex, len(resp.Data))
	byIndex := make(map[phase0.ValidatorIndex]phase0.BLSPubKey, len(resp.Data))
	for index, validator := range resp.Data {
		if validator == nil || validator.Validator == nil {
			continue
		}
		byPubkey[validator.Validator.PublicKey] = index
		byIndex[index] = validator.Validator.PublicKey
	}

	r.mu.Lock()
	r.byPubkey = byPubkey
	r.byIndex = byIndex
	r.mu.Unlock()

	r.log.Info("loaded validator set", zap.Int("validators", len(byIndex)))
	return nil
}

// KnownValidator reports whether the pubkey belongs to the current validator
// set.
func (r *ValidatorRegistry) KnownValidator(pubkey phase0.BLSPubKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPubkey[pubkey]
	return ok
}

// Preferences returns the registered preferences for the pubkey, if any.
func (r *ValidatorRegistry) Preferences(pubkey phase0.BLSPubKey) (ValidatorPreferences, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prefs[pubkey]
	return p, ok
}

// PublicKey resolves a validator index to its pubkey. It serves from the
// loaded snapshot when possible and otherwise queries the beacon node,
// coalescing concurrent lookups for the same index.
func (r *ValidatorRegistry) PublicKey(ctx context.Context, index phase0.ValidatorIndex) (phase0.BLSPubKey, error) {
	r.mu.RLock()
	pubkey, ok := r.byIndex[index]
	r.mu.RUnlock()
	if ok {
		return pubkey, nil
	}

	key := strconv.FormatUint(uint64(index), 10)
	if v, ok := r.indexCache.Get(key); ok {
		return v.(phase0.BLSPubKey), nil //nolint:forcetypeassert
	}

	resChan := make(chan pubkeyResult, 1)
	r.inflightMu.Lock()
	waiters, running := r.inflight[index]
	r.inflight[index] = append(waiters, resChan)
	r.inflightMu.Unlock()

	if !running {
		go r.fetchPublicKey(index, key)
	}

	select {
	case <-ctx.Done():
		return phase0.BLSPubKey{}, ctx.Err()
	case res := <-resChan:
		return res.pubkey, res.err
	}
}

func (r *ValidatorRegistry) fetchPublicKey(index phase0.ValidatorIndex, key string) {
	var res pubkeyResult
	resp, err := r.provider.Validators(context.Background(), &eth2Api.ValidatorsOpts{
		State:   "head",
		Indices: []phase0.ValidatorIndex{index},
	})
	switch {
	case err != nil:
		res.err = fmt.Errorf("fetching validator %d: %w", index, err)
	default:
		validator, ok := resp.Data[index]
		if !ok || validator == nil || validator.Validator == nil {
			res.err = ErrUnknownValidatorIndex
			break
		}
		res.pubkey = validator.Validator.PublicKey
		r.indexCache.Set(key, res.pubkey, indexCacheTTL)
		r.mu.Lock()
		r.byIndex[index] = res.pubkey
		r.byPubkey[res.pubkey] = index
		r.mu.Unlock()
	}

	r.inflightMu.Lock()
	waiters := r.inflight[index]
	delete(r.inflight, index)
	r.inflightMu.Unlock()
	for _, ch := range waiters {
		ch <- res
		close(ch)
	}
}

// ValidateRegistrations checks a batch of signed registrations and applies the
// valid ones. A registration older than the one already stored for its pubkey
// is skipped without error, matching the idempotent re-broadcast behavior
// proposers rely on. Any other defect fails the batch. Returns the
// registrations that were newly applied.
func (r *ValidatorRegistry) ValidateRegistrations(regs []*builderApiV1.SignedValidatorRegistration, now time.Time) ([]*builderApiV1.SignedValidatorRegistration, error) {
	metrics.IncRegistrationsReceived(len(regs))

	applied := make([]*builderApiV1.SignedValidatorRegistration, 0, len(regs))
	for _, reg := range regs {
		if reg == nil || reg.Message == nil {
			return applied, ErrMissingPreferences
		}
		pubkey := reg.Message.Pubkey

		ts := reg.Message.Timestamp
		if uint64(ts.Unix()) < r.genesisTime || ts.After(now.Add(registrationTimestampSkew)) {
			return applied, fmt.Errorf("%w: validator %#x", ErrInvalidTimestamp, pubkey)
		}

		if !r.KnownValidator(pubkey) {
			return applied, fmt.Errorf("%w: %#x", ErrUnregisteredValidator, pubkey)
		}

		if last, ok := r.lastSeen.Get(pubkey); ok && !ts.After(last) {
			continue
		}

		ok, err := ssz.VerifySignature(reg.Message, r.domainBuilder, pubkey[:], reg.Signature[:])
		if err != nil {
			return applied, fmt.Errorf("verifying registration for %#x: %w", pubkey, err)
		}
		if !ok {
			return applied, fmt.Errorf("%w: registration for %#x", ErrInvalidSignature, pubkey)
		}

		r.mu.Lock()
		r.prefs[pubkey] = ValidatorPreferences{
			FeeRecipient: reg.Message.FeeRecipient,
			GasLimit:     reg.Message.GasLimit,
			Timestamp:    ts,
		}
		r.mu.Unlock()
		r.lastSeen.Add(pubkey, ts)
		applied = append(applied, reg)
	}

	metrics.IncRegistrationsValid(len(applied))
	return applied, nil
}
