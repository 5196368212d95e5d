package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/ledger/broker"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	AccountsPath     = "api/v1/accounts"
	ProgramsPath     = "api/v1/programs"
	ClockPath        = "api/v1/clock"
	BlockhashPath    = "api/v1/blockhash"
	TransactionsPath = "api/v1/transactions"
	SimulatePath     = "api/v1/transactions/simulate"
	StatusesPath     = "api/v1/signatures/statuses"
	HealthPath       = "api/v1/health"
	AirdropPath      = "api/v1/airdrop"
	AccountEvents    = "api/v1/events/accounts"
	SlotEvents       = "api/v1/events/slots"

	defaultScheme = "http://"
	// maximum size of a single SSE line
	maxEventSize = 1024 * 1024
)

/*
Client talks to the ledger API served by LedgerAPI. It implements both
ledger.Client and ledger.EventSource.
*/
type Client struct {
	BaseUrl    *url.URL
	HttpClient http.Client
	// StreamClient is used for event subscriptions, it must not have a timeout.
	StreamClient http.Client

	accountsURL     *url.URL
	programsURL     *url.URL
	clockURL        *url.URL
	blockhashURL    *url.URL
	transactionsURL *url.URL
	simulateURL     *url.URL
	statusesURL     *url.URL
	healthURL       *url.URL
	airdropURL      *url.URL
	accountEvents   *url.URL
	slotEvents      *url.URL
}

func New(baseUrl string) (*Client, error) {
	if !strings.HasPrefix(baseUrl, "http://") && !strings.HasPrefix(baseUrl, "https://") {
		baseUrl = defaultScheme + baseUrl
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("error parsing ledger RPC base URL (%s): %w", baseUrl, err)
	}
	return &Client{
		BaseUrl:         u,
		HttpClient:      http.Client{Timeout: time.Minute},
		accountsURL:     u.JoinPath(AccountsPath),
		programsURL:     u.JoinPath(ProgramsPath),
		clockURL:        u.JoinPath(ClockPath),
		blockhashURL:    u.JoinPath(BlockhashPath),
		transactionsURL: u.JoinPath(TransactionsPath),
		simulateURL:     u.JoinPath(SimulatePath),
		statusesURL:     u.JoinPath(StatusesPath),
		healthURL:       u.JoinPath(HealthPath),
		airdropURL:      u.JoinPath(AirdropPath),
		accountEvents:   u.JoinPath(AccountEvents),
		slotEvents:      u.JoinPath(SlotEvents),
	}, nil
}

func (c *Client) GetAccount(ctx context.Context, address types.Address) (*ledger.Account, error) {
	acc := &ledger.Account{}
	if err := c.get(ctx, c.accountsURL.JoinPath(address.String()), acc); err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return acc, nil
}

func (c *Client) GetProgramAccounts(ctx context.Context, program types.Address, prefix []byte) ([]*ledger.Account, error) {
	u := c.programsURL.JoinPath(program.String(), "accounts")
	if len(prefix) > 0 {
		q := u.Query()
		q.Set("prefix", hexutil.Encode(prefix))
		u.RawQuery = q.Encode()
	}
	var accounts []*ledger.Account
	if err := c.get(ctx, u, &accounts); err != nil {
		return nil, fmt.Errorf("get program %s accounts: %w", program, err)
	}
	return accounts, nil
}

func (c *Client) GetClock(ctx context.Context) (types.Clock, error) {
	var clock types.Clock
	if err := c.get(ctx, c.clockURL, &clock); err != nil {
		return clock, fmt.Errorf("get clock: %w", err)
	}
	return clock, nil
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (types.Hash, error) {
	res := &BlockhashResponse{}
	if err := c.get(ctx, c.blockhashURL, res); err != nil {
		return types.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return res.Blockhash, nil
}

func (c *Client) SimulateTransaction(ctx context.Context, tx *types.Transaction, accounts []types.Address) (*ledger.SimulationResult, error) {
	b, err := cbor.Marshal(&SimulateRequest{Transaction: tx, Accounts: accounts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulation request: %w", err)
	}
	res := &ledger.SimulationResult{}
	if err := c.post(ctx, c.simulateURL, ApplicationCbor, b, http.StatusOK, res); err != nil {
		return nil, fmt.Errorf("simulate transaction: %w", err)
	}
	return res, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error) {
	b, err := tx.Bytes()
	if err != nil {
		return types.Signature{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	res := &SendResponse{}
	if err := c.post(ctx, c.transactionsURL, ApplicationCbor, b, http.StatusAccepted, res); err != nil {
		return types.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return res.Signature, nil
}

func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []types.Signature) ([]*ledger.SignatureStatus, error) {
	b, err := json.Marshal(&StatusesRequest{Signatures: signatures})
	if err != nil {
		return nil, fmt.Errorf("failed to encode statuses request: %w", err)
	}
	var res []*ledger.SignatureStatus
	if err := c.post(ctx, c.statusesURL, ApplicationJson, b, http.StatusOK, &res); err != nil {
		return nil, fmt.Errorf("get signature statuses: %w", err)
	}
	if len(res) != len(signatures) {
		return nil, fmt.Errorf("get signature statuses: expected %d statuses, got %d", len(signatures), len(res))
	}
	return res, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, c.healthURL, &struct{}{})
}

// RequestAirdrop asks the development ledger to credit lamports to the address.
func (c *Client) RequestAirdrop(ctx context.Context, address types.Address, lamports uint64) error {
	b, err := json.Marshal(&AirdropRequest{Address: address, Lamports: lamports})
	if err != nil {
		return fmt.Errorf("failed to encode airdrop request: %w", err)
	}
	if err := c.post(ctx, c.airdropURL, ApplicationJson, b, http.StatusOK, &struct{}{}); err != nil {
		return fmt.Errorf("airdrop: %w", err)
	}
	return nil
}

func (c *Client) SubscribeAccounts(ctx context.Context) (<-chan ledger.AccountUpdate, error) {
	out := make(chan ledger.AccountUpdate)
	err := c.subscribe(ctx, c.accountEvents, func(event string, data []byte) error {
		if event != broker.EventAccount {
			return nil
		}
		var upd ledger.AccountUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return fmt.Errorf("decoding account event: %w", err)
		}
		select {
		case out <- upd:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubscribeSlots(ctx context.Context) (<-chan types.Clock, error) {
	out := make(chan types.Clock)
	err := c.subscribe(ctx, c.slotEvents, func(event string, data []byte) error {
		if event != broker.EventSlot {
			return nil
		}
		var clock types.Clock
		if err := json.Unmarshal(data, &clock); err != nil {
			return fmt.Errorf("decoding slot event: %w", err)
		}
		select {
		case out <- clock:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

/*
subscribe opens the event stream and calls handle for every event in a
goroutine until the stream ends or handle returns error, then calls done.
*/
func (c *Client) subscribe(ctx context.Context, u *url.URL, handle func(event string, data []byte) error, done func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	rsp, err := c.StreamClient.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe request failed: %w", err)
	}
	if rsp.StatusCode != http.StatusOK {
		defer rsp.Body.Close()
		return decodeError(rsp)
	}

	go func() {
		defer done()
		defer rsp.Body.Close()
		if err := readEvents(rsp.Body, handle); err != nil && ctx.Err() == nil {
			log.Warning("event stream %s ended: %v", u.Path, err)
		}
	}()
	return nil
}

// readEvents parses server-sent events stream.
func readEvents(r io.Reader, handle func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)
	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if event != "" || len(data) > 0 {
				if err := handle(event, data); err != nil {
					return err
				}
			}
			event, data = "", nil
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, bytes.TrimSpace(line[len("data:"):])...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) get(ctx context.Context, u *url.URL, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(ContentType, ApplicationJson)
	rsp, err := c.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return decodeError(rsp)
	}
	return decodeResponse(rsp, data)
}

func (c *Client) post(ctx context.Context, u *url.URL, contentType string, body []byte, expectStatus int, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(ContentType, contentType)
	rsp, err := c.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != expectStatus {
		return decodeError(rsp)
	}
	return decodeResponse(rsp, data)
}

func decodeResponse(rsp *http.Response, data any) error {
	buf, err := io.ReadAll(rsp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(buf, data); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

func decodeError(rsp *http.Response) error {
	buf, err := io.ReadAll(rsp.Body)
	if err != nil {
		return fmt.Errorf("unexpected response status code: %d", rsp.StatusCode)
	}
	er := &ErrorResponse{}
	if err := json.Unmarshal(buf, er); err != nil || er.Message == "" {
		return fmt.Errorf("unexpected response status code: %d: %s", rsp.StatusCode, buf)
	}
	return er.Err()
}
