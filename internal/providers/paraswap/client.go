package paraswap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/httpx"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	partner string
}

func New(httpClient *httpx.Client, baseURL, partner string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = registry.ParaswapBaseURL
	}
	if !registry.IsAllowedAPIEndpoint(registry.ParaswapBaseURL, base) {
		return nil, clierr.Newf(clierr.CodeUsage, "paraswap endpoint %s is not allowed", base)
	}
	return &Client{http: httpClient, baseURL: base, partner: strings.TrimSpace(partner)}, nil
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "paraswap",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote", "swap.payload"},
		Endpoint:     c.baseURL,
	}
}

type priceRoute struct {
	SrcToken        string `json:"srcToken"`
	DestToken       string `json:"destToken"`
	SrcAmount       string `json:"srcAmount"`
	DestAmount      string `json:"destAmount"`
	Side            string `json:"side"`
	ContractAddress string `json:"contractAddress"`
	ContractMethod  string `json:"contractMethod"`
	Network         int64  `json:"network"`
	Version         string `json:"version"`
}

type pricesResponse struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
	Error      string          `json:"error"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (providers.SwapQuote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	if req.Side != providers.SwapSideExactInput && req.Side != providers.SwapSideExactOutput {
		return providers.SwapQuote{}, clierr.Newf(clierr.CodeUsage, "unsupported swap side %q", req.Side)
	}
	vals := url.Values{}
	vals.Set("srcToken", req.SrcToken.Hex())
	vals.Set("destToken", req.DestToken.Hex())
	vals.Set("srcDecimals", strconv.Itoa(req.SrcDecimals))
	vals.Set("destDecimals", strconv.Itoa(req.DestDecimals))
	vals.Set("amount", req.Amount.String())
	vals.Set("side", string(req.Side))
	vals.Set("network", strconv.FormatInt(req.ChainID, 10))
	vals.Set("version", registry.ParaswapVersion)
	vals.Set("userAddress", req.Taker.Hex())
	if c.partner != "" {
		vals.Set("partner", c.partner)
	}

	endpoint := fmt.Sprintf("%s/prices?%s", c.baseURL, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.SwapQuote{}, clierr.Wrap(clierr.CodeInternal, "build paraswap price request", err)
	}
	var resp pricesResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return providers.SwapQuote{}, err
	}
	if resp.Error != "" {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap price error: "+resp.Error)
	}
	if len(resp.PriceRoute) == 0 {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap response missing price route")
	}
	var route priceRoute
	if err := json.Unmarshal(resp.PriceRoute, &route); err != nil {
		return providers.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "decode paraswap price route", err)
	}
	src, ok := new(big.Int).SetString(route.SrcAmount, 10)
	if !ok {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap route has invalid srcAmount")
	}
	dest, ok := new(big.Int).SetString(route.DestAmount, 10)
	if !ok {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap route has invalid destAmount")
	}
	if src.Sign() <= 0 || dest.Sign() <= 0 {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap route has no liquidity")
	}
	if !common.IsHexAddress(route.ContractAddress) {
		return providers.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "paraswap route missing contract address")
	}

	return providers.SwapQuote{
		Provider:     "paraswap",
		ChainID:      req.ChainID,
		SrcToken:     req.SrcToken,
		DestToken:    req.DestToken,
		SrcDecimals:  req.SrcDecimals,
		DestDecimals: req.DestDecimals,
		Side:         req.Side,
		SrcAmount:    src,
		DestAmount:   dest,
		Router:       common.HexToAddress(route.ContractAddress),
		Method:       route.ContractMethod,
		Route:        resp.PriceRoute,
	}, nil
}

type transactionRequest struct {
	SrcToken     string          `json:"srcToken"`
	DestToken    string          `json:"destToken"`
	SrcAmount    string          `json:"srcAmount"`
	DestAmount   string          `json:"destAmount"`
	SrcDecimals  int             `json:"srcDecimals"`
	DestDecimals int             `json:"destDecimals"`
	PriceRoute   json.RawMessage `json:"priceRoute"`
	UserAddress  string          `json:"userAddress"`
	Receiver     string          `json:"receiver,omitempty"`
	Partner      string          `json:"partner,omitempty"`
}

type transactionResponse struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Error string `json:"error"`
}

// BuildSwapPayload requests router calldata for a quote with an explicit
// limit on the quoted side, then checks it against the router allow-list.
func (c *Client) BuildSwapPayload(ctx context.Context, req providers.SwapPayloadRequest) (providers.SwapPayload, error) {
	q := req.Quote
	if req.Limit == nil || req.Limit.Sign() <= 0 {
		return providers.SwapPayload{}, clierr.New(clierr.CodeUsage, "swap limit must be positive")
	}
	if !registry.IsAllowedSwapRouter(q.ChainID, q.Router) {
		return providers.SwapPayload{}, clierr.Newf(clierr.CodeUnsupportedCounterparty, "paraswap quoted through unrecognized router %s", q.Router.Hex())
	}
	body := transactionRequest{
		SrcToken:     q.SrcToken.Hex(),
		DestToken:    q.DestToken.Hex(),
		SrcDecimals:  q.SrcDecimals,
		DestDecimals: q.DestDecimals,
		PriceRoute:   q.Route,
		UserAddress:  req.Taker.Hex(),
		Partner:      c.partner,
	}
	if req.Receiver != (common.Address{}) && req.Receiver != req.Taker {
		body.Receiver = req.Receiver.Hex()
	}
	switch q.Side {
	case providers.SwapSideExactInput:
		body.SrcAmount = q.SrcAmount.String()
		body.DestAmount = req.Limit.String()
	case providers.SwapSideExactOutput:
		body.SrcAmount = req.Limit.String()
		body.DestAmount = q.DestAmount.String()
	default:
		return providers.SwapPayload{}, clierr.Newf(clierr.CodeUsage, "unsupported swap side %q", q.Side)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return providers.SwapPayload{}, clierr.Wrap(clierr.CodeInternal, "encode paraswap transaction request", err)
	}

	endpoint := fmt.Sprintf("%s/transactions/%d?ignoreChecks=true&ignoreGasEstimate=true", c.baseURL, q.ChainID)
	var resp transactionResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, endpoint, raw, nil, &resp); err != nil {
		return providers.SwapPayload{}, err
	}
	if resp.Error != "" {
		return providers.SwapPayload{}, clierr.New(clierr.CodeUnavailable, "paraswap transaction error: "+resp.Error)
	}
	if !common.IsHexAddress(resp.To) {
		return providers.SwapPayload{}, clierr.New(clierr.CodeUnavailable, "paraswap transaction missing router address")
	}
	data, err := hexutil.Decode(resp.Data)
	if err != nil {
		return providers.SwapPayload{}, clierr.Wrap(clierr.CodeUnavailable, "decode paraswap calldata", err)
	}
	payload := providers.SwapPayload{
		Router:   common.HexToAddress(resp.To),
		Method:   q.Method,
		CallData: data,
	}
	offsets, err := providers.CheckPayload(q.ChainID, payload, q.ExactAmount(), req.Limit)
	if err != nil {
		return providers.SwapPayload{}, err
	}
	payload.Offsets = offsets
	return payload, nil
}
