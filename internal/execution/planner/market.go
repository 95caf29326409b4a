package planner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/httpx"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

const defaultMorphoGraphQLEndpoint = "https://api.morpho.org/graphql"

var morphoGraphQLEndpoint = defaultMorphoGraphQLEndpoint

const morphoMarketByIDQuery = `query Market($chain:Int!,$key:String!){
  markets(first: 1, where:{ chainId_in: [$chain], uniqueKey_in: [$key] }){
    items{
      uniqueKey
      irmAddress
      lltv
      morphoBlue{ address }
      oracle{ address }
      loanAsset{ address symbol decimals }
      collateralAsset{ address symbol decimals }
    }
  }
}`

type morphoAsset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type morphoMarket struct {
	UniqueKey string `json:"uniqueKey"`
	IRM       string `json:"irmAddress"`
	LLTV      string `json:"lltv"`
	Morpho    struct {
		Address string `json:"address"`
	} `json:"morphoBlue"`
	Oracle *struct {
		Address string `json:"address"`
	} `json:"oracle"`
	LoanAsset       morphoAsset  `json:"loanAsset"`
	CollateralAsset *morphoAsset `json:"collateralAsset"`
}

type morphoMarketByIDResponse struct {
	Data struct {
		Markets struct {
			Items []morphoMarket `json:"items"`
		} `json:"markets"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ResolvedMarket is a Morpho market identified by its parameters.
type ResolvedMarket struct {
	ID                 common.Hash
	Params             simulation.MarketParams
	LoanSymbol         string
	CollateralSymbol   string
	LoanDecimals       int
	CollateralDecimals int
}

// MarketResolver turns a market id into its parameters. Planning falls back to
// reading idToMarketParams on chain when no resolver is configured.
type MarketResolver interface {
	ResolveMarket(ctx context.Context, chainID int64, marketID common.Hash) (ResolvedMarket, error)
}

// GraphQLMarkets resolves markets through the Morpho API.
type GraphQLMarkets struct {
	HTTP *httpx.Client
}

func NewGraphQLMarkets(client *httpx.Client) *GraphQLMarkets {
	return &GraphQLMarkets{HTTP: client}
}

func (g *GraphQLMarkets) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "morpho",
		Type:         "markets",
		Capabilities: []string{"markets.resolve"},
		Endpoint:     morphoGraphQLEndpoint,
	}
}

func (g *GraphQLMarkets) ResolveMarket(ctx context.Context, chainID int64, marketID common.Hash) (ResolvedMarket, error) {
	market, err := fetchMorphoMarketByID(ctx, g.HTTP, chainID, strings.ToLower(marketID.Hex()))
	if err != nil {
		return ResolvedMarket{}, err
	}
	resolved, err := market.resolve()
	if err != nil {
		return ResolvedMarket{}, err
	}
	// The id is the hash of the params, so the API answer is checked rather than trusted.
	if resolved.ID != marketID {
		return ResolvedMarket{}, clierr.Newf(clierr.CodeUnavailable, "morpho api returned params hashing to %s for market %s", resolved.ID.Hex(), marketID.Hex())
	}
	return resolved, nil
}

func (m morphoMarket) resolve() (ResolvedMarket, error) {
	if !common.IsHexAddress(m.LoanAsset.Address) {
		return ResolvedMarket{}, clierr.New(clierr.CodeUnavailable, "morpho market missing loan token address")
	}
	if m.CollateralAsset == nil || !common.IsHexAddress(m.CollateralAsset.Address) {
		return ResolvedMarket{}, clierr.New(clierr.CodeUnavailable, "morpho market missing collateral token address")
	}
	if m.Oracle == nil || !common.IsHexAddress(m.Oracle.Address) {
		return ResolvedMarket{}, clierr.New(clierr.CodeUnavailable, "morpho market missing oracle address")
	}
	if !common.IsHexAddress(m.IRM) {
		return ResolvedMarket{}, clierr.New(clierr.CodeUnavailable, "morpho market missing irm address")
	}
	lltv, ok := new(big.Int).SetString(strings.TrimSpace(m.LLTV), 10)
	if !ok || lltv.Sign() <= 0 {
		return ResolvedMarket{}, clierr.New(clierr.CodeUnavailable, "morpho market returned invalid lltv")
	}
	params := simulation.MarketParams{
		LoanToken:       common.HexToAddress(m.LoanAsset.Address),
		CollateralToken: common.HexToAddress(m.CollateralAsset.Address),
		Oracle:          common.HexToAddress(m.Oracle.Address),
		IRM:             common.HexToAddress(m.IRM),
		LLTV:            lltv,
	}
	return ResolvedMarket{
		ID:                 params.ID(),
		Params:             params,
		LoanSymbol:         strings.ToUpper(strings.TrimSpace(m.LoanAsset.Symbol)),
		CollateralSymbol:   strings.ToUpper(strings.TrimSpace(m.CollateralAsset.Symbol)),
		LoanDecimals:       m.LoanAsset.Decimals,
		CollateralDecimals: m.CollateralAsset.Decimals,
	}, nil
}

func normalizeMorphoMarketID(marketID string) (common.Hash, error) {
	clean := strings.TrimSpace(marketID)
	if clean == "" {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "morpho planning requires --market-id")
	}
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "morpho --market-id must be a 0x-prefixed bytes32 value")
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if len(raw) != 64 {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "morpho --market-id must be a 32-byte hex value")
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "morpho --market-id must be valid hex")
	}
	return common.BytesToHash(decoded), nil
}

func fetchMorphoMarketByID(ctx context.Context, client *httpx.Client, chainID int64, marketID string) (morphoMarket, error) {
	body, err := json.Marshal(map[string]any{
		"query": morphoMarketByIDQuery,
		"variables": map[string]any{
			"chain": chainID,
			"key":   marketID,
		},
	})
	if err != nil {
		return morphoMarket{}, clierr.Wrap(clierr.CodeInternal, "marshal morpho market lookup query", err)
	}

	var resp morphoMarketByIDResponse
	if _, err := httpx.DoBodyJSON(ctx, client, http.MethodPost, morphoGraphQLEndpoint, body, nil, &resp); err != nil {
		return morphoMarket{}, err
	}
	if len(resp.Errors) > 0 {
		return morphoMarket{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("morpho graphql error: %s", resp.Errors[0].Message))
	}
	if len(resp.Data.Markets.Items) == 0 {
		return morphoMarket{}, clierr.New(clierr.CodeUsage, "morpho market-id not found for selected chain")
	}
	return resp.Data.Markets.Items[0], nil
}

// resolveMarket returns the market params from the configured resolver, or
// from state, which Fetch populated through idToMarketParams.
func (e Env) resolveMarket(ctx context.Context, state *simulation.State, marketID common.Hash) (ResolvedMarket, error) {
	if e.Markets != nil {
		resolved, err := e.Markets.ResolveMarket(ctx, e.Chain.EVMChainID, marketID)
		if err != nil {
			return ResolvedMarket{}, err
		}
		if resolved.LoanDecimals > 0 {
			state.SetDecimals(resolved.Params.LoanToken, resolved.LoanDecimals)
		}
		if resolved.CollateralDecimals > 0 {
			state.SetDecimals(resolved.Params.CollateralToken, resolved.CollateralDecimals)
		}
		return resolved, nil
	}
	m, err := state.Market(marketID)
	if err != nil {
		return ResolvedMarket{}, err
	}
	if m.Params.LoanToken == (common.Address{}) {
		return ResolvedMarket{}, clierr.Newf(clierr.CodeUsage, "morpho market %s is not created", marketID.Hex())
	}
	return ResolvedMarket{ID: marketID, Params: m.Params}, nil
}
