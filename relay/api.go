package relay

import (
	"context"
	"time"

	builderApiV1 "github.com/attestantio/go-builder-client/api/v1"
	builderSpec "github.com/attestantio/go-builder-client/spec"
	"github.com/flashbots/blind-relay/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	registerValidatorsTimeout = 5 * time.Second
	getHeaderTimeout          = 2 * time.Second
	getPayloadTimeout         = 3 * time.Second
)

// API is the JSON-RPC surface of the relay. It wraps the auction with request
// timeouts, rate limiting on the registration path and per-method metrics.
type API struct {
	log *zap.Logger

	relay          *Relay
	regRateLimiter *rate.Limiter
}

func NewAPI(log *zap.Logger, relay *Relay, regRateLimit rate.Limit) *API {
	return &API{
		log:            log,
		relay:          relay,
		regRateLimiter: rate.NewLimiter(regRateLimit, 1),
	}
}

func (m *API) RegisterValidators(ctx context.Context, regs []*builderApiV1.SignedValidatorRegistration) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(RegisterValidatorsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(RegisterValidatorsEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, registerValidatorsTimeout)
	defer cancel()

	err = m.regRateLimiter.Wait(ctx)
	if err != nil {
		return err
	}

	err = m.relay.RegisterValidators(ctx, regs)
	if err != nil {
		m.log.Warn("Failed to register validators", zap.Error(err), zap.Int("count", len(regs)))
		return err
	}
	return nil
}

func (m *API) GetHeader(ctx context.Context, request BidRequest) (_ *builderSpec.VersionedSignedBuilderBid, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetHeaderEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetHeaderEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, getHeaderTimeout)
	defer cancel()

	bid, err := m.relay.FetchBestBid(ctx, &request)
	if err != nil {
		m.log.Warn("Failed to serve bid", zap.Error(err), zap.String("request", request.String()))
		return nil, err
	}
	return bid, nil
}

func (m *API) GetPayload(ctx context.Context, signedBlock VersionedSignedBlindedBeaconBlock) (_ *VersionedExecutionPayload, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetPayloadEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetPayloadEndpointName)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, getPayloadTimeout)
	defer cancel()

	payload, err := m.relay.OpenBid(ctx, &signedBlock)
	if err != nil {
		m.log.Warn("Failed to open bid", zap.Error(err))
		return nil, err
	}
	return payload, nil
}
