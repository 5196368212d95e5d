/*
Package rpc exposes a ledger over HTTP and implements the ledger interfaces
on top of that API. Transactions travel as CBOR, everything else as JSON and
ledger events are streamed as server-sent events.
*/
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/ledger/broker"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/types"
)

const maxBodySize = 64 * 1024

var log = logger.CreateForPackage()

type (
	Backend interface {
		ledger.Client
		Airdrop(ctx context.Context, address types.Address, lamports uint64) error
		Events() *broker.MessageBroker
	}

	LedgerAPI struct {
		Ledger Backend
		rw     *ResponseWriter
	}

	SimulateRequest struct {
		_           struct{} `cbor:",toarray"`
		Transaction *types.Transaction
		Accounts    []types.Address
	}

	SendResponse struct {
		Signature types.Signature `json:"signature"`
	}

	StatusesRequest struct {
		Signatures []types.Signature `json:"signatures"`
	}

	BlockhashResponse struct {
		Blockhash types.Hash `json:"blockhash"`
	}

	AirdropRequest struct {
		Address  types.Address `json:"address"`
		Lamports uint64        `json:"lamports,string"`
	}
)

func NewLedgerAPI(l Backend) *LedgerAPI {
	return &LedgerAPI{Ledger: l, rw: &ResponseWriter{LogErr: func(a ...any) { log.Error("%v", a...) }}}
}

func (api *LedgerAPI) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(handlers.CORS(handlers.AllowedHeaders([]string{ContentType})))

	apiV1 := apiRouter.PathPrefix("/v1").Subrouter()
	apiV1.HandleFunc("/accounts/{address}", api.getAccountFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/programs/{program}/accounts", api.getProgramAccountsFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/clock", api.getClockFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/blockhash", api.getBlockhashFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/transactions", api.postTransactionFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/transactions/simulate", api.simulateTransactionFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/signatures/statuses", api.signatureStatusesFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/health", api.healthFunc).Methods("GET", "OPTIONS")
	apiV1.HandleFunc("/airdrop", api.airdropFunc).Methods("POST", "OPTIONS")
	apiV1.HandleFunc("/events/accounts", api.eventsFunc(broker.TopicAccounts)).Methods("GET")
	apiV1.HandleFunc("/events/slots", api.eventsFunc(broker.TopicSlots)).Methods("GET")

	return router
}

func (api *LedgerAPI) getAccountFunc(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		api.rw.InvalidParamResponse(w, "address", err)
		return
	}
	acc, err := api.Ledger.GetAccount(r.Context(), addr)
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, acc)
}

func (api *LedgerAPI) getProgramAccountsFunc(w http.ResponseWriter, r *http.Request) {
	program, err := types.ParseAddress(mux.Vars(r)["program"])
	if err != nil {
		api.rw.InvalidParamResponse(w, "program", err)
		return
	}
	var prefix []byte
	if s := r.URL.Query().Get("prefix"); s != "" {
		if prefix, err = hexutil.Decode(s); err != nil {
			api.rw.InvalidParamResponse(w, "prefix", err)
			return
		}
	}
	accounts, err := api.Ledger.GetProgramAccounts(r.Context(), program, prefix)
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	if accounts == nil {
		accounts = []*ledger.Account{}
	}
	api.rw.WriteResponse(w, accounts)
}

func (api *LedgerAPI) getClockFunc(w http.ResponseWriter, r *http.Request) {
	clock, err := api.Ledger.GetClock(r.Context())
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, clock)
}

func (api *LedgerAPI) getBlockhashFunc(w http.ResponseWriter, r *http.Request) {
	h, err := api.Ledger.GetLatestBlockhash(r.Context())
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, &BlockhashResponse{Blockhash: h})
}

func (api *LedgerAPI) postTransactionFunc(w http.ResponseWriter, r *http.Request) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, codeInvalidParameter, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	tx, err := types.DecodeTransaction(buf)
	if err != nil {
		api.rw.InvalidParamResponse(w, "transaction", err)
		return
	}
	sig, err := api.Ledger.SendTransaction(r.Context(), tx)
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	api.rw.WriteResponse(w, &SendResponse{Signature: sig})
}

func (api *LedgerAPI) simulateTransactionFunc(w http.ResponseWriter, r *http.Request) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		api.rw.ErrorResponse(w, http.StatusBadRequest, codeInvalidParameter, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	req := &SimulateRequest{}
	if err := cbor.Unmarshal(buf, req); err != nil {
		api.rw.InvalidParamResponse(w, "request", err)
		return
	}
	if req.Transaction == nil || req.Transaction.Message == nil {
		api.rw.InvalidParamResponse(w, "transaction", fmt.Errorf("transaction message is missing"))
		return
	}
	res, err := api.Ledger.SimulateTransaction(r.Context(), req.Transaction, req.Accounts)
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, res)
}

func (api *LedgerAPI) signatureStatusesFunc(w http.ResponseWriter, r *http.Request) {
	req := &StatusesRequest{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(req); err != nil {
		api.rw.InvalidParamResponse(w, "signatures", err)
		return
	}
	statuses, err := api.Ledger.GetSignatureStatuses(r.Context(), req.Signatures)
	if err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, statuses)
}

func (api *LedgerAPI) healthFunc(w http.ResponseWriter, r *http.Request) {
	if err := api.Ledger.Health(r.Context()); err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, struct{}{})
}

func (api *LedgerAPI) airdropFunc(w http.ResponseWriter, r *http.Request) {
	req := &AirdropRequest{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(req); err != nil {
		api.rw.InvalidParamResponse(w, "request", err)
		return
	}
	if req.Lamports == 0 {
		api.rw.InvalidParamResponse(w, "lamports", fmt.Errorf("must be greater than zero"))
		return
	}
	if err := api.Ledger.Airdrop(r.Context(), req.Address, req.Lamports); err != nil {
		api.rw.WriteErrorResponse(w, err)
		return
	}
	api.rw.WriteResponse(w, struct{}{})
}

func (api *LedgerAPI) eventsFunc(topic broker.Topic) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debug("%s subscribed to %s events", r.RemoteAddr, topic)
		if err := api.Ledger.Events().StreamSSE(r.Context(), topic, w); err != nil {
			// headers have not been sent when subscribing failed, otherwise
			// the status is ignored
			log.Debug("%s events stream to %s ended: %v", topic, r.RemoteAddr, err)
			api.rw.ErrorResponse(w, http.StatusServiceUnavailable, codeInternalError, err)
		}
	}
}
