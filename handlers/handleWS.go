package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"magicchain/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage 客户端发来的控制帧，目前只有 hello
type ClientMessage struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id,omitempty"`
}

// HandleWS 升级为 WebSocket，推送 problem / block 帧。
// 连接建立时先推一次当前题目，之后只推订阅后发布的消息
func (hm *HandlerManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hm.Logger.Warn("[WS] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	puzzles := hm.hub.SubscribePuzzles()
	defer puzzles.Close()
	blocks := hm.hub.SubscribeBlocks()
	defer blocks.Close()

	peer := hm.peers.Add("ws", r.RemoteAddr)
	hm.peersChanged()
	defer func() {
		hm.peers.Remove(peer.ID)
		hm.peersChanged()
		hm.Logger.Info("[WS] client %s disconnected", peer.RemoteAddr)
	}()
	hm.Logger.Info("[WS] client %s connected as %s", peer.RemoteAddr, peer.ID)

	// 读循环：处理 hello 和 pong，连接断开时关闭 done
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					hm.Logger.Debug("[WS] read from %s: %v", peer.RemoteAddr, err)
				}
				return
			}
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				hm.Logger.Debug("[WS] invalid client frame from %s: %v", peer.RemoteAddr, err)
				continue
			}
			if msg.Type == "hello" && msg.NodeID != "" {
				hm.peers.SetNodeID(peer.ID, msg.NodeID)
				hm.Logger.Info("[WS] %s identified as node %s", peer.ID, msg.NodeID)
			}
		}
	}()

	// 先订阅再补发当前题目，不漏题；补发和订阅之间出的同一道题只发一次
	var guard replayGuard
	if p, ok := hm.coordinator.CurrentPuzzle(); ok {
		if err := hm.writeFrame(conn, types.MsgProblem, p); err != nil {
			return
		}
		guard.sent(p)
	}

	var ping <-chan time.Time
	if hm.pingInterval > 0 {
		ticker := time.NewTicker(hm.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		var err error
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case p, ok := <-puzzles.C:
			if !ok {
				return
			}
			if guard.duplicate(p) {
				continue
			}
			err = hm.writeFrame(conn, types.MsgProblem, p)
		case b, ok := <-blocks.C:
			if !ok {
				return
			}
			err = hm.writeFrame(conn, types.MsgBlock, b)
		case <-ping:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hm.deadline()))
		}
		if err != nil {
			hm.Logger.Debug("[WS] write to %s failed: %v", peer.RemoteAddr, err)
			return
		}
	}
}

// replayGuard 记住连接时补发的题目，只拦截订阅通道里紧随其后的同一道题
type replayGuard struct {
	id    uint64
	armed bool
}

func (g *replayGuard) sent(p types.Puzzle) {
	g.id, g.armed = p.ID, true
}

func (g *replayGuard) duplicate(p types.Puzzle) bool {
	if !g.armed {
		return false
	}
	g.armed = false
	return p.ID == g.id
}

func (hm *HandlerManager) writeFrame(conn *websocket.Conn, t types.MessageType, v interface{}) error {
	var (
		msg types.ServerMessage
		err error
	)
	switch data := v.(type) {
	case types.Puzzle:
		msg, err = types.NewProblemMessage(data)
	case types.Block:
		msg, err = types.NewBlockMessage(data)
	default:
		return fmt.Errorf("unsupported frame %s", t)
	}
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(hm.deadline()))
	return conn.WriteJSON(msg)
}

func (hm *HandlerManager) deadline() time.Duration {
	if hm.writeTimeout > 0 {
		return hm.writeTimeout
	}
	return 10 * time.Second
}
