package simulation

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

// AccrueInterest projects every market and vault to timestamp. It must run
// before any derived read so figures match the expected execution time.
func (s *State) AccrueInterest(timestamp int64) error {
	if timestamp < s.Timestamp {
		return clierr.Newf(clierr.CodeSimulationFailure, "cannot accrue backwards from %d to %d", s.Timestamp, timestamp)
	}

	ids := make([]common.Hash, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	for _, id := range ids {
		accrueMarket(s.markets[id], timestamp)
	}

	for _, v := range s.vaults {
		s.accrueVault(v)
	}

	s.Timestamp = timestamp
	return nil
}

func accrueMarket(m *Market, timestamp int64) {
	elapsed := timestamp - m.LastUpdate
	if elapsed <= 0 {
		return
	}
	m.LastUpdate = timestamp
	if m.BorrowRate == nil || m.BorrowRate.Sign() == 0 || m.TotalBorrowAssets.Sign() == 0 {
		return
	}

	interest := mathx.WMulDown(m.TotalBorrowAssets, mathx.WTaylorCompounded(m.BorrowRate, elapsed))
	m.TotalBorrowAssets = new(big.Int).Add(m.TotalBorrowAssets, interest)
	m.TotalSupplyAssets = new(big.Int).Add(m.TotalSupplyAssets, interest)

	if m.Fee == nil || m.Fee.Sign() == 0 {
		return
	}
	feeAmount := mathx.WMulDown(interest, m.Fee)
	feeShares := mathx.ToShares(feeAmount, new(big.Int).Sub(m.TotalSupplyAssets, feeAmount), m.TotalSupplyShares, mathx.Down)
	m.TotalSupplyShares = new(big.Int).Add(m.TotalSupplyShares, feeShares)
}

// accrueVault recomputes total assets from the vault's market allocations and
// mints the performance fee shares on the gain since the last checkpoint.
func (s *State) accrueVault(v *Vault) {
	if len(v.Allocations) > 0 {
		total := new(big.Int)
		for _, id := range v.Allocations {
			m, ok := s.markets[id]
			if !ok {
				return
			}
			pos := s.Position(id, v.Address)
			total.Add(total, mathx.ToAssets(pos.SupplyShares, m.TotalSupplyAssets, m.TotalSupplyShares, mathx.Down))
		}
		v.TotalAssets = total
	}

	last := mathx.Clone(v.LastTotalAssets)
	if v.Fee != nil && v.Fee.Sign() > 0 && v.TotalAssets.Cmp(last) > 0 {
		feeAssets := mathx.WMulDown(new(big.Int).Sub(v.TotalAssets, last), v.Fee)
		denominator := new(big.Int).Sub(v.TotalAssets, feeAssets)
		denominator.Add(denominator, big.NewInt(1))
		feeShares := mathx.MulDivDown(feeAssets, new(big.Int).Add(v.TotalSupply, v.virtualShares()), denominator)
		v.TotalSupply = new(big.Int).Add(v.TotalSupply, feeShares)
	}
	v.LastTotalAssets = mathx.Clone(v.TotalAssets)
}
