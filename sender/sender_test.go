package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicchain/config"
	"magicchain/types"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.DefaultConfig()
	cfg.Client.ServerURL = srv.URL
	cfg.Client.ReconnectDelay = config.Duration(10 * time.Millisecond)
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Client.ServerURL = "localhost:3000"
	_, err := NewClient(cfg, nil)
	assert.Error(t, err)

	cfg.Client.ServerURL = "http://localhost:3000"
	cfg.Client.UseHTTP3 = true
	_, err = NewClient(cfg, nil)
	assert.Error(t, err)
}

func TestSubmitBlockAndVote(t *testing.T) {
	var got types.Block
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit_block", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(SubmitBlockResponse{Status: "accepted", ProposalID: "p-1", Round: 3})
	})
	mux.HandleFunc("POST /submit_validation", func(w http.ResponseWriter, r *http.Request) {
		var v types.Vote
		require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
		assert.Equal(t, "p-1", v.ProposalID)
		json.NewEncoder(w).Encode(VoteResponse{Status: "recorded", Yes: 1, Advanced: true})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	b := types.NewBlock(1, types.GenesisProblem(), types.GenesisProblem(), nil, "n1", "")
	resp, err := c.SubmitBlock(ctx, b)
	require.NoError(t, err)
	assert.True(t, resp.Accepted())
	assert.Equal(t, "p-1", resp.ProposalID)
	assert.Equal(t, "n1", got.NodeID)

	vr, err := c.SubmitVote(ctx, types.Vote{NodeID: "n1", IsValid: true, ProposalID: resp.ProposalID})
	require.NoError(t, err)
	assert.True(t, vr.Advanced)
}

func TestStatusErrorCarriesCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transaction", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"transaction window is closed"}`, http.StatusBadRequest)
	})
	c := newTestClient(t, mux)

	_, err := c.SubmitTransaction(context.Background(), &types.Transaction{
		SenderID: "a", ReceiverID: "b", Amount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.Contains(t, err.Error(), "window is closed")
	assert.Equal(t, 0, StatusCode(context.Canceled))
}

func TestLatestAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chain/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.NewGenesisBlock())
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"round":{"phase":"idle","round":4,"policy":"any-positive"},"peers":2,"height":9}`))
	})
	c := newTestClient(t, mux)

	b, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.True(t, b.IsGenesis())

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), st.Round.Round)
	assert.Equal(t, "idle", st.Round.Phase)
	assert.Equal(t, uint64(9), st.Height)
}

func TestSubscribeReceivesFrames(t *testing.T) {
	up := websocket.Upgrader{}
	var hello atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m map[string]string
		if conn.ReadJSON(&m) == nil {
			hello.Store(m["node_id"])
		}
		p := types.NewPuzzle(7, types.GenesisProblem(), nil, 0)
		msg, _ := types.NewProblemMessage(p)
		conn.WriteJSON(msg)
		bmsg, _ := types.NewBlockMessage(*types.NewGenesisBlock())
		conn.WriteJSON(bmsg)
		time.Sleep(50 * time.Millisecond)
	})
	c := newTestClient(t, mux)

	var frames []types.MessageType
	err := c.Subscribe(context.Background(), "n1", func(m types.ServerMessage) {
		frames = append(frames, m.Type)
	})
	require.Error(t, err)
	assert.Equal(t, []types.MessageType{types.MsgProblem, types.MsgBlock}, frames)
	assert.Equal(t, "n1", hello.Load())
}

func TestSubscribeLoopStopsOnCancel(t *testing.T) {
	var dials atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.SubscribeLoop(ctx, "", func(types.ServerMessage) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, dials.Load(), int32(1))
}
