package dispatcher

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"enerx-readmodel/internal/chain"
	"enerx-readmodel/internal/failure"
)

// ArgKind describes how a raw string argument is parsed.
type ArgKind string

const (
	ArgAddress     ArgKind = "address"
	ArgAmount      ArgKind = "amount"
	ArgUint        ArgKind = "uint"
	ArgString      ArgKind = "string"
	ArgAddressList ArgKind = "address[]"
	ArgAmountList  ArgKind = "amount[]"
)

// Refresh target names.
const (
	TargetListings = "listings"
	TargetProfiles = "profiles"
	TargetHistory  = "history"
)

// MethodSpec describes one write method.
type MethodSpec struct {
	Name    string    `json:"name"`
	Args    []ArgKind `json:"args"`
	Affects []string  `json:"affects"`
}

// Usage renders the argument list for help output.
func (s MethodSpec) Usage() string {
	parts := make([]string, len(s.Args))
	for i, k := range s.Args {
		parts[i] = "<" + string(k) + ">"
	}
	return strings.TrimSpace(s.Name + " " + strings.Join(parts, " "))
}

var catalog = map[string]MethodSpec{
	"listEnergy": {
		Name:    "listEnergy",
		Args:    []ArgKind{ArgAmount, ArgAmount, ArgUint, ArgAmount},
		Affects: []string{TargetListings, TargetProfiles, TargetHistory},
	},
	"purchaseEnergy": {
		Name:    "purchaseEnergy",
		Args:    []ArgKind{ArgUint, ArgAmount},
		Affects: []string{TargetListings, TargetProfiles, TargetHistory},
	},
	"cancelListing": {
		Name:    "cancelListing",
		Args:    []ArgKind{ArgUint},
		Affects: []string{TargetListings},
	},
	"verifyUser": {
		Name:    "verifyUser",
		Args:    []ArgKind{ArgAddress},
		Affects: []string{TargetProfiles},
	},
	"invalidateCertification": {
		Name:    "invalidateCertification",
		Args:    []ArgKind{ArgAddress},
		Affects: []string{TargetProfiles},
	},
	"updateUserCertification": {
		Name:    "updateUserCertification",
		Args:    []ArgKind{ArgAddress, ArgString, ArgString},
		Affects: []string{TargetProfiles},
	},
	"mintEnergy":          {Name: "mintEnergy", Args: []ArgKind{ArgAddress, ArgAmount}},
	"adminMint":           {Name: "adminMint", Args: []ArgKind{ArgAddressList, ArgAmountList}},
	"transferFrom":        {Name: "transferFrom", Args: []ArgKind{ArgAddress, ArgAddress, ArgAmount}},
	"transferOwnership":   {Name: "transferOwnership", Args: []ArgKind{ArgAddress}},
	"pause":               {Name: "pause"},
	"unpause":             {Name: "unpause"},
	"setPlatformFee":      {Name: "setPlatformFee", Args: []ArgKind{ArgUint}},
	"authorizeSmartMeter": {Name: "authorizeSmartMeter", Args: []ArgKind{ArgAddress}},
}

// Lookup returns the spec of a write method.
func Lookup(method string) (MethodSpec, bool) {
	spec, ok := catalog[method]
	return spec, ok
}

// Methods lists every write method sorted by name.
func Methods() []MethodSpec {
	out := make([]MethodSpec, 0, len(catalog))
	for _, spec := range catalog {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b MethodSpec) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// ParseArgs converts raw strings into ABI-ready values for method.
func ParseArgs(method string, raw []string) ([]any, error) {
	spec, ok := Lookup(method)
	if !ok {
		return nil, failure.Invalid(method, "unknown method %q", method)
	}
	if len(raw) != len(spec.Args) {
		return nil, failure.Invalid(method, "expected %d arguments (%s), got %d", len(spec.Args), spec.Usage(), len(raw))
	}

	args := make([]any, len(raw))
	for i, kind := range spec.Args {
		v, err := parseArg(kind, strings.TrimSpace(raw[i]))
		if err != nil {
			return nil, failure.New(failure.KindInvalidInput, method, fmt.Sprintf("argument %d", i+1), err)
		}
		args[i] = v
	}
	return args, nil
}

func parseArg(kind ArgKind, s string) (any, error) {
	switch kind {
	case ArgAddress:
		return parseAddress(s)
	case ArgAmount:
		return chain.ParseAmount(s)
	case ArgUint:
		return parseUint(s)
	case ArgString:
		return s, nil
	case ArgAddressList:
		parts := splitList(s)
		out := make([]common.Address, len(parts))
		for i, p := range parts {
			addr, err := parseAddress(p)
			if err != nil {
				return nil, err
			}
			out[i] = addr
		}
		return out, nil
	case ArgAmountList:
		parts := splitList(s)
		out := make([]*big.Int, len(parts))
		for i, p := range parts {
			v, err := chain.ParseAmount(p)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported argument kind %q", kind)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseUint(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid unsigned integer %q", s)
	}
	return v, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Dispatch parses raw arguments, runs the pre-flight checks and submits
// method with the refresh targets recorded in the catalog.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, raw []string) (*Mutation, error) {
	spec, ok := Lookup(method)
	if !ok {
		return nil, failure.Invalid(method, "unknown method %q", method)
	}
	args, err := ParseArgs(method, raw)
	if err != nil {
		return nil, err
	}
	if d.checker != nil {
		switch method {
		case "purchaseEnergy":
			err = d.preflightPurchase(ctx, args[0].(*big.Int), args[1].(*big.Int))
		case "transferFrom":
			err = d.preflightTransferFrom(ctx, args[0].(common.Address), args[2].(*big.Int))
		}
		if err != nil {
			return nil, err
		}
	}
	return d.SubmitAndRefresh(ctx, method, args, spec.Affects...)
}

func formatArgs(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []common.Address:
			parts := make([]string, len(v))
			for j, addr := range v {
				parts[j] = addr.Hex()
			}
			out[i] = strings.Join(parts, ",")
		case []*big.Int:
			parts := make([]string, len(v))
			for j, n := range v {
				parts[j] = n.String()
			}
			out[i] = strings.Join(parts, ",")
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
