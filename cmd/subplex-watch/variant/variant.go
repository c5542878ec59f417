// Package variant provides the account decoders subplex-watch can attach
// to a target. Each variant is one logical key over the same feed.
package variant

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/subplex/subplex-go/pkg/subscription"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// ErrUnknown is returned by Lookup for unregistered names.
var ErrUnknown = errors.New("unknown variant")

type account struct {
	Lamports   *uint64 `json:"lamports"`
	Owner      string  `json:"owner"`
	Executable bool    `json:"executable"`
	Space      uint64  `json:"space"`
}

var decoders = map[string]subscription.DecodeFunc{
	"lamports": Lamports,
	"sol":      SOL,
	"owner":    Owner,
	"raw":      Raw,
}

// Lookup returns the decoder registered under name.
func Lookup(name string) (subscription.DecodeFunc, error) {
	d, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknown, name, Names())
	}
	return d, nil
}

// Names lists the registered variants in order.
func Names() []string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeAccount parses an account value. A null value is a missing
// account and decodes to the zero account.
func decodeAccount(raw []byte) (account, bool, error) {
	var a *account
	if err := json.Unmarshal(raw, &a); err != nil {
		return account{}, false, fmt.Errorf("account value: %w", err)
	}
	if a == nil {
		return account{}, false, nil
	}
	if a.Lamports == nil {
		return account{}, false, errors.New("account value: missing lamports")
	}
	return *a, true, nil
}

// Lamports decodes the account balance as a uint64.
func Lamports(raw []byte) (any, error) {
	a, ok, err := decodeAccount(raw)
	if err != nil || !ok {
		return uint64(0), err
	}
	return *a.Lamports, nil
}

// SOL decodes the account balance as an exact decimal amount of SOL.
func SOL(raw []byte) (any, error) {
	v, err := Lamports(raw)
	if err != nil {
		return nil, err
	}
	return ToSOL(v.(uint64)), nil
}

// ToSOL converts lamports to SOL without rounding.
func ToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9)
}

// Owner decodes the owning program id. Missing accounts have no owner.
func Owner(raw []byte) (any, error) {
	a, _, err := decodeAccount(raw)
	if err != nil {
		return nil, err
	}
	return a.Owner, nil
}

// Raw keeps the value as compact JSON text.
func Raw(raw []byte) (any, error) {
	if !json.Valid(raw) {
		return nil, errors.New("raw value: invalid JSON")
	}
	return string(raw), nil
}

// Format renders a decoded value for display.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case decimal.Decimal:
		return x.String() + " SOL"
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
