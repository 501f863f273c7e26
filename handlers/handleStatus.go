package handlers

import (
	"net/http"
	"strconv"

	"magicchain/logs"
)

// HandleRoot 存活检查
func (hm *HandlerManager) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Magic square blockchain server is running"))
}

// HandleStatus 当前轮次快照
func (hm *HandlerManager) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := hm.coordinator.Snapshot()
	resp := map[string]interface{}{
		"round": st,
		"hub":   hm.hub.Stats(),
		"peers": hm.peers.Count(),
	}
	if hm.chain != nil {
		if latest, err := hm.chain.Latest(); err == nil {
			resp["height"] = latest.Index
		}
	}
	hm.writeJSON(w, http.StatusOK, resp)
}

func (hm *HandlerManager) HandlePeers(w http.ResponseWriter, r *http.Request) {
	hm.writeJSON(w, http.StatusOK, hm.peers.List())
}

// HandleStats 接口调用计数、延迟和内部队列占用
func (hm *HandlerManager) HandleStats(w http.ResponseWriter, r *http.Request) {
	hm.writeJSON(w, http.StatusOK, hm.Stats.Summary(hm.channelStats()...))
}

// HandleLogs 最近的日志行，?max_lines=N 截断
func (hm *HandlerManager) HandleLogs(w http.ResponseWriter, r *http.Request) {
	logLines := logs.GetLogsForNode(hm.logBuffer)

	// 如果指定了最大行数，进行截断
	if s := r.URL.Query().Get("max_lines"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n < len(logLines) {
			logLines = logLines[len(logLines)-n:]
		}
	}
	hm.writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logLines})
}
