package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	builderApiV1 "github.com/attestantio/go-builder-client/api/v1"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrDeliveredPayloadNotFound = errors.New("delivered payload not found")

type DBDeliveredPayload struct {
	Slot           int64     `db:"slot"`
	ParentHash     []byte    `db:"parent_hash"`
	BlockHash      []byte    `db:"block_hash"`
	ProposerPubkey []byte    `db:"proposer_pubkey"`
	ProposerIndex  int64     `db:"proposer_index"`
	Value          string    `db:"value"`
	GasUsed        int64     `db:"gas_used"`
	DeliveredAt    time.Time `db:"delivered_at"`
}

var insertDeliveredPayloadQuery = `
INSERT INTO delivered_payload (slot, parent_hash, block_hash, proposer_pubkey, proposer_index, value, gas_used, delivered_at)
VALUES (:slot, :parent_hash, :block_hash, :proposer_pubkey, :proposer_index, :value, :gas_used, :delivered_at)
ON CONFLICT (slot, proposer_pubkey) DO NOTHING`

var getDeliveredPayloadQuery = `
SELECT slot, parent_hash, block_hash, proposer_pubkey, proposer_index, value, gas_used, delivered_at
FROM delivered_payload
WHERE slot = $1`

type DBValidatorRegistration struct {
	Pubkey       []byte    `db:"pubkey"`
	FeeRecipient []byte    `db:"fee_recipient"`
	GasLimit     int64     `db:"gas_limit"`
	Timestamp    time.Time `db:"timestamp"`
	Signature    []byte    `db:"signature"`
	InsertedAt   time.Time `db:"inserted_at"`
}

var upsertRegistrationQuery = `
INSERT INTO validator_registration (pubkey, fee_recipient, gas_limit, timestamp, signature)
VALUES (:pubkey, :fee_recipient, :gas_limit, :timestamp, :signature)
ON CONFLICT (pubkey) DO
UPDATE SET fee_recipient = :fee_recipient, gas_limit = :gas_limit, timestamp = :timestamp, signature = :signature
WHERE validator_registration.timestamp < :timestamp`

// DBBackend persists delivered payload traces and validator registrations to
// postgres.
type DBBackend struct {
	db *sqlx.DB

	insertDelivered    *sqlx.NamedStmt
	getDelivered       *sqlx.Stmt
	upsertRegistration *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertDelivered, err := db.PrepareNamed(insertDeliveredPayloadQuery)
	if err != nil {
		return nil, err
	}
	getDelivered, err := db.Preparex(getDeliveredPayloadQuery)
	if err != nil {
		return nil, err
	}
	upsertRegistration, err := db.PrepareNamed(upsertRegistrationQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                 db,
		insertDelivered:    insertDelivered,
		getDelivered:       getDelivered,
		upsertRegistration: upsertRegistration,
	}, nil
}

// InsertDeliveredPayload records that a payload left the relay for a
// committed proposer. The trace is append-only; re-delivery of the same
// auction is a no-op.
func (b *DBBackend) InsertDeliveredPayload(ctx context.Context, event *BidEvent) error {
	row := DBDeliveredPayload{
		Slot:           int64(event.Slot),
		ParentHash:     event.ParentHash[:],
		BlockHash:      event.BlockHash[:],
		ProposerPubkey: event.ProposerKey[:],
		ProposerIndex:  int64(event.ProposerIndex),
		Value:          event.Value.Dec(),
		GasUsed:        int64(event.GasUsed),
		DeliveredAt:    time.Now().UTC(),
	}
	_, err := b.insertDelivered.ExecContext(ctx, row)
	return err
}

// GetDeliveredPayloads returns the delivery traces recorded for a slot.
func (b *DBBackend) GetDeliveredPayloads(ctx context.Context, slot uint64) ([]DBDeliveredPayload, error) {
	var rows []DBDeliveredPayload
	err := b.getDelivered.SelectContext(ctx, &rows, int64(slot))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(rows) == 0) {
		return nil, ErrDeliveredPayloadNotFound
	} else if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertRegistration stores a validated registration, keeping the newest
// timestamp per pubkey.
func (b *DBBackend) UpsertRegistration(ctx context.Context, reg *builderApiV1.SignedValidatorRegistration) error {
	row := DBValidatorRegistration{
		Pubkey:       reg.Message.Pubkey[:],
		FeeRecipient: reg.Message.FeeRecipient[:],
		GasLimit:     int64(reg.Message.GasLimit),
		Timestamp:    reg.Message.Timestamp.UTC(),
		Signature:    reg.Signature[:],
	}
	_, err := b.upsertRegistration.ExecContext(ctx, row)
	return err
}

// UpsertRegistrationJSON is the queue-facing variant of UpsertRegistration:
// it takes the wire form the registration was enqueued in.
func (b *DBBackend) UpsertRegistrationJSON(ctx context.Context, data json.RawMessage) error {
	var reg builderApiV1.SignedValidatorRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return err
	}
	return b.UpsertRegistration(ctx, &reg)
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
