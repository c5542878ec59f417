package rpc

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/subplex/subplex-go/pkg/wire"
)

// Fetcher performs one-shot reads over the shared connection.
type Fetcher interface {
	FetchValue(ctx context.Context, method string, params any) (Value, error)
}

var _ Fetcher = (*Correlator)(nil)

// Value is a one-shot read with its context slot (0 if the result had no
// context envelope).
type Value struct {
	Slot  uint64
	Value json.RawMessage
}

// FetchValue performs a call whose result may use the
// {"context":{"slot":N},"value":V} envelope and splits it.
func (c *Correlator) FetchValue(ctx context.Context, method string, params any) (Value, error) {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return Value{}, err
	}
	slot, value := wire.SplitResult(resp.Result)
	return Value{Slot: slot, Value: value}, nil
}

// AccountInfoParams builds getAccountInfo params for an address.
func AccountInfoParams(address, encoding, commitment string) []any {
	opts := map[string]string{}
	if encoding != "" {
		opts["encoding"] = encoding
	}
	if commitment != "" {
		opts["commitment"] = commitment
	}
	if len(opts) == 0 {
		return []any{address}
	}
	return []any{address, opts}
}

// GetAccountInfo fetches the current state of an account.
func (c *Correlator) GetAccountInfo(ctx context.Context, address, encoding, commitment string) (Value, error) {
	if address == "" {
		return Value{}, fmt.Errorf("getAccountInfo: empty address")
	}
	return c.FetchValue(ctx, "getAccountInfo", AccountInfoParams(address, encoding, commitment))
}
