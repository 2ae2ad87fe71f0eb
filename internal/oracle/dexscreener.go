package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const (
	dexscreenerTokenPairURL = "https://api.dexscreener.com/latest/dex/tokens/"
	coingeckoXRPPriceURL    = "https://api.coingecko.com/api/v3/simple/price?ids=ripple&vs_currencies=usd"
)

// Dexscreener resolves XRPL pair prices from the dexscreener API and the
// XRP/USD reference price from coingecko.
type Dexscreener struct {
	client  *http.Client
	baseURL string
	xrpURL  string
}

func NewDexscreener(timeout time.Duration) *Dexscreener {
	return &Dexscreener{
		client:  &http.Client{Timeout: timeout},
		baseURL: dexscreenerTokenPairURL,
		xrpURL:  coingeckoXRPPriceURL,
	}
}

type dexPair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Symbol string `json:"symbol"`
	} `json:"baseToken"`
	QuoteToken struct {
		Symbol string `json:"symbol"`
	} `json:"quoteToken"`
	PriceUSD    string          `json:"priceUsd"`
	PriceNative string          `json:"priceNative"`
	Liquidity   struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
	FDV decimal.Decimal `json:"fdv"`
}

type dexTokenResponse struct {
	Pairs []dexPair `json:"pairs"`
}

// PairInfo returns the first xrpl pair dexscreener knows for the token.
// An unknown pair yields Found=false with a nil error.
func (d *Dexscreener) PairInfo(ctx context.Context, pairAddress string) (PairInfo, error) {
	var result PairInfo
	if pairAddress == "" {
		return result, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+pairAddress, nil)
	if err != nil {
		return result, fmt.Errorf("failed to build dexscreener request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("dexscreener fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("dexscreener fetch failed: %s", resp.Status)
	}

	var body dexTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return result, fmt.Errorf("failed to decode dexscreener response: %w", err)
	}

	for _, pair := range body.Pairs {
		if pair.ChainID != "xrpl" || pair.DexID != "xrpl" {
			continue
		}
		priceUSD, err := decimal.NewFromString(pair.PriceUSD)
		if err != nil {
			return result, fmt.Errorf("bad priceUsd %q: %w", pair.PriceUSD, err)
		}
		priceXRP, err := decimal.NewFromString(pair.PriceNative)
		if err != nil {
			return result, fmt.Errorf("bad priceNative %q: %w", pair.PriceNative, err)
		}
		result.Dex = pair.DexID
		result.Pair = pair.BaseToken.Symbol + " / " + pair.QuoteToken.Symbol
		result.PriceUSD = priceUSD
		result.PriceXRP = priceXRP
		result.LiquidityUSD = pair.Liquidity.USD
		result.MarketCapUSD = pair.FDV
		result.Found = true
		return result, nil
	}

	// Token unknown to dexscreener: sentinel, not an error.
	return result, nil
}

func (d *Dexscreener) XRPPrice(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.xrpURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build price request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("xrp price fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("xrp price fetch failed: %s", resp.Status)
	}

	var body struct {
		Ripple struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"ripple"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode xrp price response: %w", err)
	}
	return body.Ripple.USD, nil
}
