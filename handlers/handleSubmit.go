package handlers

import (
	"errors"
	"net/http"

	"magicchain/consensus"
	"magicchain/txpool"
	"magicchain/types"
)

const (
	msgBlockAccepted  = "Block submitted and broadcasted successfully"
	msgBlockDuplicate = "Block already submitted. Ignoring new block."
)

// SubmitBlockResponse /submit_block 的返回
type SubmitBlockResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ProposalID string `json:"proposal_id,omitempty"`
	Round      uint64 `json:"round"`
}

// VoteResponse /submit_validation 的返回
type VoteResponse struct {
	Status   string `json:"status"`
	Round    uint64 `json:"round"`
	Yes      int    `json:"yes"`
	No       int    `json:"no"`
	Advanced bool   `json:"advanced"`
	Reason   string `json:"reason,omitempty"`
}

// HandleSubmitBlock 提交本轮提案。重复提交不是错误，总是 200
func (hm *HandlerManager) HandleSubmitBlock(w http.ResponseWriter, r *http.Request) {
	var b types.Block
	if err := hm.decodeBody(w, r, &b); err != nil {
		hm.writeError(w, http.StatusBadRequest, "invalid block json: "+err.Error())
		return
	}
	if err := b.Validate(); err != nil {
		hm.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := hm.coordinator.SubmitBlock(&b)
	if err != nil {
		// 协调者已停止等情况只记录日志，客户端按重复提交处理
		hm.Logger.Error("[HTTP] submit_block from %s failed: %v", b.NodeID, err)
		hm.writeJSON(w, http.StatusOK, SubmitBlockResponse{Status: "ignored", Message: err.Error()})
		return
	}

	resp := SubmitBlockResponse{Status: res.Status.String(), ProposalID: res.ProposalID, Round: res.Round}
	if res.Status == consensus.SubmitAccepted {
		resp.Message = msgBlockAccepted
	} else {
		resp.Message = msgBlockDuplicate
		if hm.metrics != nil {
			hm.metrics.ObserveDuplicateSubmission()
		}
	}
	hm.writeJSON(w, http.StatusOK, resp)
}

// HandleSubmitValidation 记票并在达成共识时推进轮次
func (hm *HandlerManager) HandleSubmitValidation(w http.ResponseWriter, r *http.Request) {
	var v types.Vote
	if err := hm.decodeBody(w, r, &v); err != nil {
		hm.writeError(w, http.StatusBadRequest, "invalid vote json: "+err.Error())
		return
	}
	if err := v.Validate(); err != nil {
		hm.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, advanced := hm.coordinator.HandleVote(v)
	hm.writeJSON(w, http.StatusOK, VoteResponse{
		Status:   res.Status.String(),
		Round:    res.Round,
		Yes:      res.Yes,
		No:       res.No,
		Advanced: advanced,
		Reason:   res.Reason,
	})
}

// HandleTransaction 仅在交易窗口打开时接受交易，否则 400
func (hm *HandlerManager) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	if err := hm.decodeBody(w, r, &tx); err != nil {
		hm.writeError(w, http.StatusBadRequest, "invalid transaction json: "+err.Error())
		return
	}

	stored, err := hm.coordinator.SubmitTransaction(&tx)
	switch {
	case err == nil:
	case errors.Is(err, consensus.ErrTransactionWindowClosed),
		errors.Is(err, types.ErrMissingParty),
		errors.Is(err, types.ErrNegativeAmount):
		hm.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, consensus.ErrNoTxPool), errors.Is(err, txpool.ErrQueueFull):
		hm.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		hm.Logger.Error("[HTTP] transaction from %s failed: %v", tx.SenderID, err)
		hm.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if hm.metrics != nil {
		hm.metrics.ObserveTransaction()
	}
	hm.writeJSON(w, http.StatusOK, stored)
}

// HandleBroadcastProblem 手动出题并广播（调试用）
func (hm *HandlerManager) HandleBroadcastProblem(w http.ResponseWriter, r *http.Request) {
	p, delivered := hm.coordinator.BroadcastProblem()
	hm.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Problem broadcasted",
		"puzzle":    p,
		"delivered": delivered,
	})
}
