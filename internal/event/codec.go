// Package event encodes ledger events as protobuf frames for the bus, the
// event stream and websocket clients.
package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// Bus channels.
const (
	ChannelAll    = "ledger:events"
	ChannelPrefix = "ledger:pool:"
	// StreamName is the durable backlog of every committed event.
	StreamName = "ledger:stream"
)

// PoolChannel returns the channel carrying events for one pool.
func PoolChannel(pool common.Address) string {
	return ChannelPrefix + pool.Hex()
}

// Fields returns the event as a flat map. Amounts are decimal strings so
// they survive JSON and protobuf double fields without loss.
func Fields(e domain.LedgerEvent) map[string]any {
	m := map[string]any{
		"id":     e.ID,
		"op":     e.Op,
		"caller": e.Caller.Hex(),
		"pool":   e.Pool.Hex(),
		"amount": strconv.FormatUint(e.Amount, 10),
		"fee":    strconv.FormatUint(e.Fee, 10),
		"flag":   e.Flag,
		"at":     e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.Subject != (common.Address{}) {
		m["subject"] = e.Subject.Hex()
	}
	if e.Branch != "" {
		m["branch"] = e.Branch
	}
	return m
}

// Encode marshals e into protobuf wire format (a google.protobuf.Struct).
func Encode(e domain.LedgerEvent) ([]byte, error) {
	s, err := structpb.NewStruct(Fields(e))
	if err != nil {
		return nil, fmt.Errorf("event: build struct: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("event: marshal: %w", err)
	}
	return b, nil
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (domain.LedgerEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("event: unmarshal: %w", err)
	}
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }

	e := domain.LedgerEvent{
		ID:     str("id"),
		Op:     str("op"),
		Caller: common.HexToAddress(str("caller")),
		Pool:   common.HexToAddress(str("pool")),
		Flag:   f["flag"].GetBoolValue(),
		Branch: str("branch"),
	}
	if v := str("subject"); v != "" {
		e.Subject = common.HexToAddress(v)
	}
	var err error
	if e.Amount, err = parseUint(str("amount")); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("event: amount: %w", err)
	}
	if e.Fee, err = parseUint(str("fee")); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("event: fee: %w", err)
	}
	if v := str("at"); v != "" {
		if e.At, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return domain.LedgerEvent{}, fmt.Errorf("event: at: %w", err)
		}
	}
	return e, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
