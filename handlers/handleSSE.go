package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HandleBlocksSSE 以 Server-Sent Events 推送被接受的提案
func (hm *HandlerManager) HandleBlocksSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		hm.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	blocks := hm.hub.SubscribeBlocks()
	defer blocks.Close()
	peer := hm.peers.Add("sse", r.RemoteAddr)
	hm.peersChanged()
	defer func() {
		hm.peers.Remove(peer.ID)
		hm.peersChanged()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var keepAlive <-chan time.Time
	if hm.pingInterval > 0 {
		ticker := time.NewTicker(hm.pingInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-blocks.C:
			if !ok {
				return
			}
			data, err := json.Marshal(b)
			if err != nil {
				hm.Logger.Warn("[SSE] marshal block %d: %v", b.Index, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: block\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
