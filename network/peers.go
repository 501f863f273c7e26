package network

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer 一个已连接的推送客户端（ws 或 sse）
type Peer struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	NodeID      string    `json:"node_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Peers 维护当前连接的客户端列表，仅内存，不持久化
type Peers struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeers() *Peers {
	return &Peers{peers: make(map[string]*Peer)}
}

// Add 登记新连接并返回分配的连接ID
func (p *Peers) Add(transport, remoteAddr string) *Peer {
	peer := &Peer{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	p.mu.Lock()
	p.peers[peer.ID] = peer
	p.mu.Unlock()
	return peer
}

// SetNodeID 客户端在连接上自报节点ID（可选）
func (p *Peers) SetNodeID(id, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[id]; ok {
		peer.NodeID = nodeID
	}
}

func (p *Peers) Remove(id string) {
	p.mu.Lock()
	delete(p.peers, id)
	p.mu.Unlock()
}

func (p *Peers) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.peers)
}

// List 按连接时间排序返回快照
func (p *Peers) List() []Peer {
	p.mu.RLock()
	out := make([]Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, *peer)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
