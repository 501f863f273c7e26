package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"magicchain/chain"
)

func (hm *HandlerManager) requireChain(w http.ResponseWriter) bool {
	if hm.chain == nil {
		hm.writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return false
	}
	return true
}

// HandleChainLatest 最新定稿区块
func (hm *HandlerManager) HandleChainLatest(w http.ResponseWriter, r *http.Request) {
	if !hm.requireChain(w) {
		return
	}
	b, err := hm.chain.Latest()
	if err != nil {
		hm.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hm.writeJSON(w, http.StatusOK, b)
}

// HandleChainBlock ?index=N
func (hm *HandlerManager) HandleChainBlock(w http.ResponseWriter, r *http.Request) {
	if !hm.requireChain(w) {
		return
	}
	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		hm.writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	b, err := hm.chain.Get(index)
	switch {
	case errors.Is(err, chain.ErrNoBlock):
		hm.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		hm.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		hm.writeJSON(w, http.StatusOK, b)
	}
}

// HandleChainBlocks ?from=&to=，缺省返回最近 20 块
func (hm *HandlerManager) HandleChainBlocks(w http.ResponseWriter, r *http.Request) {
	if !hm.requireChain(w) {
		return
	}
	latest, err := hm.chain.Latest()
	if err != nil {
		hm.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	to := latest.Index
	var from uint64
	if to >= 20 {
		from = to - 19
	}
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		if from, err = strconv.ParseUint(s, 10, 64); err != nil {
			hm.writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = strconv.ParseUint(s, 10, 64); err != nil {
			hm.writeError(w, http.StatusBadRequest, "to must be a non-negative integer")
			return
		}
	}
	if to < from {
		hm.writeError(w, http.StatusBadRequest, "to must not be below from")
		return
	}

	blocks, err := hm.chain.Range(from, to)
	if err != nil {
		hm.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hm.writeJSON(w, http.StatusOK, blocks)
}

// HandleTransactions 最近落盘的交易，?limit=N
func (hm *HandlerManager) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	if hm.txPool == nil {
		hm.writeError(w, http.StatusServiceUnavailable, "transaction pool not configured")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			hm.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if hm.dbManager != nil {
		if err := hm.dbManager.ForceFlush(); err != nil {
			hm.Logger.Warn("[HTTP] flush before listing transactions: %v", err)
		}
	}
	txs, err := hm.txPool.Recent(limit)
	if err != nil {
		hm.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hm.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": hm.txPool.Pending(),
		"recent":  txs,
	})
}
