package providers

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
)

var augustusABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registry.AugustusV6ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// CheckPayload accepts calldata only from an allow-listed router and only when
// the words at the pinned offsets carry the expected exact and limit amounts.
// It returns the offsets the swap adapter may rewrite.
func CheckPayload(chainID int64, p SwapPayload, exact, limit *big.Int) (registry.SwapOffsets, error) {
	if !registry.IsAllowedSwapRouter(chainID, p.Router) {
		return registry.SwapOffsets{}, clierr.Newf(clierr.CodeUnsupportedCounterparty, "swap router %s is not allow-listed on chain %d", p.Router.Hex(), chainID)
	}
	if len(p.CallData) < 4 {
		return registry.SwapOffsets{}, clierr.New(clierr.CodeUnsupportedCounterparty, "swap calldata is too short")
	}
	method, err := augustusABI.MethodById(p.CallData[:4])
	if err != nil {
		return registry.SwapOffsets{}, clierr.Wrap(clierr.CodeUnsupportedCounterparty, "swap calldata targets an unknown router method", err)
	}
	if p.Method != "" && p.Method != method.Name {
		return registry.SwapOffsets{}, clierr.Newf(clierr.CodeUnsupportedCounterparty, "swap calldata calls %s, quote expected %s", method.Name, p.Method)
	}
	offsets, ok := registry.SwapRouterOffsets(chainID, p.Router, method.Name)
	if !ok {
		return registry.SwapOffsets{}, clierr.Newf(clierr.CodeUnsupportedCounterparty, "no pinned calldata layout for %s.%s", p.Router.Hex(), method.Name)
	}
	for _, check := range []struct {
		name   string
		offset uint64
		want   *big.Int
	}{
		{"exact", offsets.ExactAmount, exact},
		{"limit", offsets.LimitAmount, limit},
	} {
		got, err := wordAt(p.CallData, check.offset)
		if err != nil {
			return registry.SwapOffsets{}, err
		}
		if check.want != nil && got.Cmp(check.want) != 0 {
			return registry.SwapOffsets{}, clierr.Newf(clierr.CodeUnsupportedCounterparty, "swap calldata %s amount %s does not match %s", check.name, got, check.want)
		}
	}
	if _, err := wordAt(p.CallData, offsets.QuotedAmount); err != nil {
		return registry.SwapOffsets{}, err
	}
	return offsets, nil
}

func wordAt(data []byte, offset uint64) (*big.Int, error) {
	if uint64(len(data)) < offset+32 {
		return nil, clierr.Newf(clierr.CodeUnsupportedCounterparty, "swap calldata ends before offset %d", offset)
	}
	return new(big.Int).SetBytes(data[offset : offset+32]), nil
}
