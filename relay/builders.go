package relay

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/flashbots/blind-relay/metrics"
	"github.com/holiman/uint256"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrInvalidBuilderConfig = errors.New("invalid builder specification")

// PayloadWithValue is a builder's answer to a payload request: the full
// execution payload and the value it offers to the proposer.
type PayloadWithValue struct {
	Payload *VersionedExecutionPayload `json:"payload"`
	Value   *uint256.Int               `json:"value"`
}

// BlockBuilder produces execution payloads for an auction round.
type BlockBuilder interface {
	GetPayloadWithValue(ctx context.Context, request *BidRequest, feeRecipient bellatrix.ExecutionAddress, gasLimit uint64) (*PayloadWithValue, error)
	BuilderName() string
}

type buildPayloadArgs struct {
	Request      *BidRequest                `json:"request"`
	FeeRecipient bellatrix.ExecutionAddress `json:"feeRecipient"`
	GasLimit     uint64                     `json:"gasLimit,string"`
}

// JSONRPCBuilderBackend talks to one block builder over JSON-RPC.
type JSONRPCBuilderBackend struct {
	Name   string
	Client jsonrpc.RPCClient
}

func (b *JSONRPCBuilderBackend) BuilderName() string {
	return b.Name
}

func (b *JSONRPCBuilderBackend) GetPayloadWithValue(ctx context.Context, request *BidRequest, feeRecipient bellatrix.ExecutionAddress, gasLimit uint64) (*PayloadWithValue, error) {
	res, err := b.Client.Call(ctx, "builder_buildExecutionPayload", []buildPayloadArgs{{
		Request:      request,
		FeeRecipient: feeRecipient,
		GasLimit:     gasLimit,
	}})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}

	var payload PayloadWithValue
	if err := res.GetObject(&payload); err != nil {
		return nil, err
	}
	if payload.Payload == nil || payload.Value == nil {
		return nil, ErrNoPayload
	}
	return &payload, nil
}

type BuildersConfig struct {
	Builders []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"builders"`
}

// LoadBuilderConfig parses a builder config from a file
func LoadBuilderConfig(file string) (*BuildersBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config BuildersConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	builders := make([]BlockBuilder, 0, len(config.Builders))
	for _, builder := range config.Builders {
		if builder.Disabled {
			continue
		}
		if builder.Name == "" || builder.URL == "" {
			return nil, ErrInvalidBuilderConfig
		}
		builders = append(builders, &JSONRPCBuilderBackend{
			Name:   builder.Name,
			Client: jsonrpc.NewClient(builder.URL),
		})
	}

	return NewBuildersBackend(builders), nil
}

// BuildersBackend fans a payload request out to all configured builders and
// keeps the most valuable answer.
type BuildersBackend struct {
	builders []BlockBuilder
}

func NewBuildersBackend(builders []BlockBuilder) *BuildersBackend {
	return &BuildersBackend{builders: builders}
}

// GetBestPayload queries all builders in parallel and returns the payload
// with the highest value. Individual builder failures are logged and
// tolerated; only an empty result set is an error.
func (b *BuildersBackend) GetBestPayload(ctx context.Context, logger *zap.Logger, request *BidRequest, feeRecipient bellatrix.ExecutionAddress, gasLimit uint64) (*PayloadWithValue, error) {
	if len(b.builders) == 0 {
		return nil, ErrNoPayload
	}

	results := make([]*PayloadWithValue, len(b.builders))
	var wg sync.WaitGroup
	for idx, builder := range b.builders {
		wg.Add(1)
		go func(builder BlockBuilder, idx int) {
			defer wg.Done()

			start := time.Now()
			payload, err := builder.GetPayloadWithValue(ctx, request, feeRecipient, gasLimit)
			metrics.RecordBuilderPayloadFetchDuration(builder.BuilderName(), time.Since(start).Milliseconds())
			if err != nil {
				logger.Warn("Failed to fetch payload from builder", zap.Error(err), zap.String("builder", builder.BuilderName()))
				return
			}
			results[idx] = payload
		}(builder, idx)
	}
	wg.Wait()

	var best *PayloadWithValue
	for _, payload := range results {
		if payload == nil {
			continue
		}
		if best == nil || payload.Value.Cmp(best.Value) > 0 {
			best = payload
		}
	}
	if best == nil {
		return nil, ErrNoPayload
	}
	return best, nil
}
