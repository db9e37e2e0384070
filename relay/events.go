package relay

import (
	"context"
	"encoding/json"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/sha3"
)

// BidEvent is the public record of an auction outcome, published once a
// proposer opens a bid and the payload is revealed.
type BidEvent struct {
	ID            common.Hash      `json:"id"`
	Slot          phase0.Slot      `json:"slot,string"`
	ParentHash    phase0.Hash32    `json:"parentHash"`
	ProposerKey   phase0.BLSPubKey `json:"proposerPubkey"`
	BlockHash     phase0.Hash32    `json:"blockHash"`
	Value         *uint256.Int     `json:"value"`
	GasUsed       uint64           `json:"gasUsed,string"`
	ProposerIndex uint64           `json:"proposerIndex,string"`
}

// eventID derives a stable identifier for the event from the auction identity
// and the delivered block hash.
func eventID(request *BidRequest, blockHash phase0.Hash32) common.Hash {
	hash := sha3.NewLegacyKeccak256()
	var slot [8]byte
	for i := 0; i < 8; i++ {
		slot[i] = byte(uint64(request.Slot) >> (8 * (7 - i)))
	}
	hash.Write(slot[:])
	hash.Write(request.ParentHash[:])
	hash.Write(request.Pubkey[:])
	hash.Write(blockHash[:])
	return common.BytesToHash(hash.Sum(nil))
}

type EventBackend interface {
	PublishBidEvent(ctx context.Context, event *BidEvent) error
}

// RedisEventBackend publishes bid events to a redis pub/sub channel.
type RedisEventBackend struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisEventBackend(client *redis.Client, pubChannel string) *RedisEventBackend {
	return &RedisEventBackend{
		client:     client,
		pubChannel: pubChannel,
	}
}

func (b *RedisEventBackend) PublishBidEvent(ctx context.Context, event *BidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.pubChannel, data).Err()
}

var _ EventBackend = (*RedisEventBackend)(nil)

// String implements fmt.Stringer for log lines.
func (e *BidEvent) String() string {
	return hexutil.Encode(e.ID[:])
}
