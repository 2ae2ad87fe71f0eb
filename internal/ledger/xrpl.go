package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"xrptrader/internal/order"
	"xrptrader/internal/utils"
)

// Rippled error codes for actNotFound and txnNotFound.
const (
	xrplActNotFoundCode = 19
	xrplTxnNotFoundCode = 29
)

var dropsPerXRP = decimal.NewFromInt(1_000_000)

// Client talks JSON-RPC to a rippled node over a websocket connection.
// Requests are serialized on a single connection; the node is treated as an
// untrusted, latent collaborator and every call is bounded by requestTimeout
// or the caller's context, whichever is tighter.
type Client struct {
	url            string
	requestTimeout time.Duration
	pollInterval   time.Duration
	resolveBudget  time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64

	// Ledger reserves, fetched once at dial time from server_info.
	reserveBase decimal.Decimal
	reserveInc  decimal.Decimal
}

// Dial connects to a rippled websocket endpoint and loads the current
// reserve requirements.
func Dial(ctx context.Context, url string, requestTimeout time.Duration) (*Client, error) {
	c := &Client{
		url:            url,
		requestTimeout: requestTimeout,
		pollInterval:   time.Second,
		resolveBudget:  2 * time.Minute,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	info, err := c.request(ctx, map[string]any{"command": "server_info"})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server_info: %w", err)
	}
	var body struct {
		Info struct {
			ValidatedLedger struct {
				ReserveBaseXRP decimal.Decimal `json:"reserve_base_xrp"`
				ReserveIncXRP  decimal.Decimal `json:"reserve_inc_xrp"`
			} `json:"validated_ledger"`
		} `json:"info"`
	}
	if err := json.Unmarshal(info, &body); err != nil {
		return nil, fmt.Errorf("failed to decode server_info: %w", err)
	}
	c.reserveBase = body.Info.ValidatedLedger.ReserveBaseXRP
	c.reserveInc = body.Info.ValidatedLedger.ReserveIncXRP
	utils.GetLogger().Printf("Ledger | Connected to %s, reserves base=%s inc=%s", url, c.reserveBase, c.reserveInc)
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransient, c.url, err)
	}
	c.conn = conn
	return nil
}

// Close shuts down the websocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type rpcEnvelope struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorCode    int             `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

type rpcError struct {
	Name    string
	Code    int
	Message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rippled error %s (%d): %s", e.Name, e.Code, e.Message)
}

// request sends one JSON-RPC command and waits for the matching response.
// Transport failures tear down the connection (it is re-dialed on the next
// call) and come back wrapped in ErrTransient.
func (c *Client) request(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.nextID++
	id := c.nextID
	payload["id"] = id

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("%w: write: %v", ErrTransient, err)
	}

	for {
		c.conn.SetReadDeadline(deadline)
		var env rpcEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.conn.Close()
			c.conn = nil
			return nil, fmt.Errorf("%w: read: %v", ErrTransient, err)
		}
		if env.Type != "response" || env.ID != id {
			// Stray message from an earlier timed-out request.
			continue
		}
		if env.Status != "success" {
			return nil, &rpcError{Name: env.Error, Code: env.ErrorCode, Message: env.ErrorMessage}
		}
		return env.Result, nil
	}
}

func notFound(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Name {
		case "actNotFound", "txnNotFound":
			return true
		}
		return rpcErr.Code == xrplActNotFoundCode || rpcErr.Code == xrplTxnNotFoundCode
	}
	return false
}

// XrpBalance returns the spendable balance: total minus base reserve and
// per-object owner reserve.
func (c *Client) XrpBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	result, err := c.request(ctx, map[string]any{
		"command":      "account_info",
		"account":      address,
		"ledger_index": "validated",
	})
	if err != nil {
		if notFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to fetch account_info for %s: %w", address, err)
	}

	var body struct {
		AccountData struct {
			Balance    string `json:"Balance"`
			OwnerCount int64  `json:"OwnerCount"`
		} `json:"account_data"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode account_info: %w", err)
	}
	balanceDrops, err := decimal.NewFromString(body.AccountData.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance %q: %w", body.AccountData.Balance, err)
	}

	reserved := c.reserveBase.Add(c.reserveInc.Mul(decimal.NewFromInt(body.AccountData.OwnerCount)))
	return balanceDrops.Div(dropsPerXRP).Sub(reserved), nil
}

type accountLine struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

func (c *Client) accountLines(ctx context.Context, address string) ([]accountLine, error) {
	result, err := c.request(ctx, map[string]any{
		"command":      "account_lines",
		"account":      address,
		"ledger_index": "validated",
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Lines []accountLine `json:"lines"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("failed to decode account_lines: %w", err)
	}
	return body.Lines, nil
}

func (c *Client) TokenBalance(ctx context.Context, address, pairAddress string) (decimal.Decimal, error) {
	_, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return decimal.Zero, err
	}
	lines, err := c.accountLines(ctx, address)
	if err != nil {
		if notFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to fetch token balance for %s: %w", address, err)
	}
	for _, line := range lines {
		if line.Account == issuer {
			return decimal.NewFromString(line.Balance)
		}
	}
	return decimal.Zero, nil
}

func (c *Client) TrustlineExists(ctx context.Context, address, pairAddress string) (bool, error) {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return false, err
	}
	lines, err := c.accountLines(ctx, address)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check trustline for %s: %w", address, err)
	}
	for _, line := range lines {
		if line.Currency == currency && line.Account == issuer {
			return true, nil
		}
	}
	return false, nil
}

// TokenSupply reads the issuer's total obligations for the token currency.
func (c *Client) TokenSupply(ctx context.Context, pairAddress string) (decimal.Decimal, error) {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return decimal.Zero, err
	}
	result, err := c.request(ctx, map[string]any{
		"command":      "gateway_balances",
		"account":      issuer,
		"ledger_index": "validated",
		"hotwallet":    []string{},
		"strict":       true,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch gateway_balances for %s: %w", issuer, err)
	}
	var body struct {
		Obligations map[string]decimal.Decimal `json:"obligations"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode gateway_balances: %w", err)
	}
	if supply, ok := body.Obligations[currency]; ok {
		return supply, nil
	}
	return decimal.Zero, nil
}

// bookOffer carries the two legs of an order book offer. XRP legs arrive as
// a bare drops string, token legs as an object with a value field.
type bookOffer struct {
	TakerGets json.RawMessage `json:"TakerGets"`
	TakerPays json.RawMessage `json:"TakerPays"`
}

func parseBookAmount(raw json.RawMessage) (decimal.Decimal, error) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad drops amount %q: %w", drops, err)
		}
		return d.Div(dropsPerXRP), nil
	}
	var issued struct {
		Value decimal.Decimal `json:"value"`
	}
	if err := json.Unmarshal(raw, &issued); err != nil {
		return decimal.Zero, fmt.Errorf("bad book amount: %w", err)
	}
	return issued.Value, nil
}

func (c *Client) bookOffers(ctx context.Context, takerGets, takerPays map[string]any) ([]bookOffer, error) {
	result, err := c.request(ctx, map[string]any{
		"command":    "book_offers",
		"taker_gets": takerGets,
		"taker_pays": takerPays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch book_offers: %w", err)
	}
	var body struct {
		Offers []bookOffer `json:"offers"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, fmt.Errorf("failed to decode book_offers: %w", err)
	}
	return body.Offers, nil
}

// EstimateTokensForXRP walks the XRP->token side of the book and sums how
// many tokens xrpAmount buys at current depth.
func (c *Client) EstimateTokensForXRP(ctx context.Context, pairAddress string, xrpAmount decimal.Decimal) (decimal.Decimal, error) {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return decimal.Zero, err
	}
	offers, err := c.bookOffers(ctx,
		map[string]any{"currency": "XRP"},
		map[string]any{"currency": currency, "issuer": issuer})
	if err != nil {
		return decimal.Zero, err
	}

	remaining := xrpAmount
	tokens := decimal.Zero
	for _, offer := range offers {
		offerXRP, err := parseBookAmount(offer.TakerGets)
		if err != nil {
			return decimal.Zero, err
		}
		offerTokens, err := parseBookAmount(offer.TakerPays)
		if err != nil {
			return decimal.Zero, err
		}
		if offerXRP.IsZero() {
			continue
		}
		if remaining.GreaterThanOrEqual(offerXRP) {
			tokens = tokens.Add(offerTokens)
			remaining = remaining.Sub(offerXRP)
		} else {
			tokens = tokens.Add(remaining.Div(offerXRP).Mul(offerTokens))
			break
		}
	}
	return tokens, nil
}

func (c *Client) EstimateXRPForTokens(ctx context.Context, pairAddress string, tokenAmount decimal.Decimal) (decimal.Decimal, error) {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return decimal.Zero, err
	}
	offers, err := c.bookOffers(ctx,
		map[string]any{"currency": currency, "issuer": issuer},
		map[string]any{"currency": "XRP"})
	if err != nil {
		return decimal.Zero, err
	}

	remaining := tokenAmount
	xrp := decimal.Zero
	for _, offer := range offers {
		offerTokens, err := parseBookAmount(offer.TakerGets)
		if err != nil {
			return decimal.Zero, err
		}
		offerXRP, err := parseBookAmount(offer.TakerPays)
		if err != nil {
			return decimal.Zero, err
		}
		if offerTokens.IsZero() {
			continue
		}
		if remaining.GreaterThanOrEqual(offerTokens) {
			xrp = xrp.Add(offerXRP)
			remaining = remaining.Sub(offerTokens)
		} else {
			xrp = xrp.Add(remaining.Div(offerTokens).Mul(offerXRP))
			break
		}
	}
	return xrp, nil
}

func (c *Client) CreateTrustline(ctx context.Context, w Wallet, pairAddress string, limit decimal.Decimal) error {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return err
	}
	tx := map[string]any{
		"TransactionType": "TrustSet",
		"Account":         w.Address,
		"LimitAmount": map[string]any{
			"currency": currency,
			"issuer":   issuer,
			"value":    tokenValueString(limit),
		},
	}
	_, err = c.submitAndWait(ctx, tx, w.Seed)
	if err != nil {
		return fmt.Errorf("failed to create trustline %s for %s: %w", pairAddress, w.Address, err)
	}
	utils.GetLogger().Printf("Ledger | Trustline %s created for %s", pairAddress, w.Address)
	return nil
}

// Swap submits a partial-payment self payment: buy delivers tokens against a
// SendMax XRP budget, sell delivers XRP against a SendMax token budget.
func (c *Client) Swap(ctx context.Context, w Wallet, pairAddress string, side order.Side, tokenAmount, xrpAmount decimal.Decimal) (SwapResult, error) {
	currency, issuer, err := order.SplitPair(pairAddress)
	if err != nil {
		return SwapResult{}, err
	}

	issued := map[string]any{
		"currency": currency,
		"issuer":   issuer,
		"value":    tokenValueString(tokenAmount),
	}

	var tx map[string]any
	switch side {
	case order.SideBuy:
		tx = map[string]any{
			"TransactionType": "Payment",
			"Account":         w.Address,
			"Amount":          issued,
			"Destination":     w.Address,
			"SendMax":         xrpToDrops(xrpAmount),
			"Flags":           tfPartialPayment,
		}
	case order.SideSell:
		tx = map[string]any{
			"TransactionType": "Payment",
			"Account":         w.Address,
			// A deliberately oversized XRP target; partial payment
			// delivers whatever the SendMax tokens are worth.
			"Amount":      "1000000000",
			"Destination": w.Address,
			"SendMax":     issued,
			"Flags":       tfPartialPayment,
		}
	default:
		return SwapResult{}, fmt.Errorf("invalid swap side %q", side)
	}

	hash, err := c.submitAndWait(ctx, tx, w.Seed)
	if err != nil {
		return SwapResult{}, err
	}
	return SwapResult{TxHash: hash, TokenAmount: tokenAmount, XRPAmount: xrpAmount}, nil
}

func (c *Client) SendXRP(ctx context.Context, w Wallet, to string, amount decimal.Decimal) error {
	tx := map[string]any{
		"TransactionType": "Payment",
		"Account":         w.Address,
		"Amount":          xrpToDrops(amount),
		"Destination":     to,
	}
	if _, err := c.submitAndWait(ctx, tx, w.Seed); err != nil {
		return fmt.Errorf("failed to send %s XRP from %s to %s: %w", amount, w.Address, to, err)
	}
	return nil
}

// tfPartialPayment lets the payment deliver less than Amount when the book
// cannot fill the whole target; required for swap-style self payments.
const tfPartialPayment = 0x00020000

// lastLedgerOffset bounds how many ledgers a submission stays valid for.
// Past that index the network can never apply it, which is what makes a
// timed-out submission safe to retry once the index has been passed.
const lastLedgerOffset = 20

// submitAndWait signs server-side, submits with a LastLedgerSequence bound,
// then polls until the transaction is validated. A context expiry after
// submission does not leave the outcome open: the wait is resolved against
// the LastLedgerSequence bound before the attempt is classified, so
// ErrTransient is only ever returned for a transaction that can no longer
// apply.
func (c *Client) submitAndWait(ctx context.Context, tx map[string]any, seed string) (string, error) {
	current, err := c.currentLedgerIndex(ctx)
	if err != nil {
		// Nothing has been submitted yet, retrying is safe.
		if Transient(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: ledger_current: %v", ErrTransient, err)
	}
	lastLedgerSeq := current + lastLedgerOffset
	tx["LastLedgerSequence"] = lastLedgerSeq

	result, err := c.request(ctx, map[string]any{
		"command": "submit",
		"tx_json": tx,
		"secret":  seed,
	})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			// The node understood and refused the submission.
			return "", fmt.Errorf("%w: submit: %v", ErrRejected, rpcErr)
		}
		return "", err
	}

	var body struct {
		EngineResult string `json:"engine_result"`
		TxJSON       struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrTransient, err)
	}

	if err := classifyEngineResult(body.EngineResult); err != nil {
		return "", err
	}

	hash := body.TxJSON.Hash
	if err := c.waitValidated(ctx, hash, lastLedgerSeq); err != nil {
		return "", err
	}
	return hash, nil
}

// waitValidated polls the tx command until the ledger reports the
// transaction validated. Once the context expires the outcome is still
// settled against lastLedgerSeq; an open outcome must never be reported
// as retriable.
func (c *Client) waitValidated(ctx context.Context, hash string, lastLedgerSeq int64) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.resolveExpired(hash, lastLedgerSeq)
		case <-ticker.C:
		}

		outcome, settled := c.pollOnce(ctx, hash)
		if settled {
			return outcome
		}
	}
}

// pollOnce asks the ledger about one transaction. settled is true only when
// the transaction is validated; any error keeps the wait going.
func (c *Client) pollOnce(ctx context.Context, hash string) (outcome error, settled bool) {
	result, err := c.request(ctx, map[string]any{
		"command":     "tx",
		"transaction": hash,
	})
	if err != nil {
		return nil, false
	}

	var body struct {
		Validated bool `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return nil, false
	}
	if !body.Validated {
		return nil, false
	}
	return classifyEngineResult(body.Meta.TransactionResult), true
}

// resolveExpired settles a submission whose caller gave up waiting. The
// transaction cannot apply past lastLedgerSeq, so with a fresh budget we
// poll until it either validates or that index has been left behind. An
// expired unvalidated transaction is provably dead and therefore
// retriable; anything still unresolved when the budget runs out is not.
func (c *Client) resolveExpired(hash string, lastLedgerSeq int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.resolveBudget)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("outcome of %s unresolved, not retrying", hash)
		case <-ticker.C:
		}

		outcome, settled := c.pollOnce(ctx, hash)
		if settled {
			return outcome
		}

		current, err := c.currentLedgerIndex(ctx)
		if err != nil {
			continue
		}
		if current > lastLedgerSeq {
			return fmt.Errorf("%w: %s expired unvalidated past ledger %d", ErrTransient, hash, lastLedgerSeq)
		}
	}
}

func (c *Client) currentLedgerIndex(ctx context.Context) (int64, error) {
	result, err := c.request(ctx, map[string]any{"command": "ledger_current"})
	if err != nil {
		return 0, err
	}
	var body struct {
		LedgerCurrentIndex int64 `json:"ledger_current_index"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, fmt.Errorf("failed to decode ledger_current: %w", err)
	}
	return body.LedgerCurrentIndex, nil
}

// classifyEngineResult maps rippled engine results onto the error taxonomy:
// tes is success, tec/tef/tem are final rejections, tel/ter are retriable.
func classifyEngineResult(res string) error {
	switch {
	case res == "tesSUCCESS":
		return nil
	case strings.HasPrefix(res, "tec"), strings.HasPrefix(res, "tef"), strings.HasPrefix(res, "tem"):
		switch res {
		case "tecUNFUNDED", "tecUNFUNDED_PAYMENT", "tecUNFUNDED_OFFER",
			"tecINSUFFICIENT_RESERVE", "tecNO_LINE_INSUF_RESERVE", "tecINSUFF_FEE",
			"tefINSUFFICIENT_RESERVE":
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, res)
		}
		return fmt.Errorf("%w: %s", ErrRejected, res)
	default:
		// tel, ter, or anything unrecognized: retriable.
		return fmt.Errorf("%w: engine result %s", ErrTransient, res)
	}
}

// tokenValueString formats an issued-token amount the way rippled accepts it:
// large values as integers, small ones with six decimal places.
func tokenValueString(v decimal.Decimal) string {
	if v.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return v.StringFixed(0)
	}
	return v.StringFixed(6)
}

// xrpToDrops converts an XRP amount to a whole-drops string, rounding up.
func xrpToDrops(v decimal.Decimal) string {
	return v.Mul(dropsPerXRP).Ceil().StringFixed(0)
}
