package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicchain/chain"
	"magicchain/config"
	"magicchain/consensus"
	"magicchain/db"
	"magicchain/interfaces"
	"magicchain/network"
	"magicchain/puzzle"
	"magicchain/stats"
	"magicchain/txpool"
	"magicchain/types"
)

type testEnv struct {
	hm    *HandlerManager
	coord *consensus.Coordinator
	chain *chain.Chain
	mux   *http.ServeMux
	gen   *puzzle.Generator
}

func newTestEnv(t *testing.T, window time.Duration) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()

	dbm, err := db.Open(t.TempDir(), nil, cfg)
	require.NoError(t, err)
	t.Cleanup(dbm.Close)

	ledger, err := chain.Open(dbm, 16, nil)
	require.NoError(t, err)
	pool, err := txpool.NewTxPool(dbm, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { pool.Stop() })

	hub := network.NewHub(16)
	gen := puzzle.NewGeneratorWithSeed(puzzle.DefaultOptions(), 7)
	ccfg := consensus.DefaultConfig()
	ccfg.TransactionWindow = window
	coord, err := consensus.NewCoordinator(ccfg, gen, hub, pool, nil, nil)
	require.NoError(t, err)
	coord.Events().Subscribe(types.EventBlockFinalized, func(e interfaces.Event) {
		if b, ok := e.Data().(*types.Block); ok {
			_ = ledger.Append(b)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coord.Start(ctx)

	reg := prometheus.NewRegistry()
	hm := NewHandlerManager(coord, hub, ledger, pool, dbm, cfg, nil)
	hm.SetMetrics(stats.NewMetrics(reg), reg)
	mux := http.NewServeMux()
	hm.RegisterRoutes(mux)
	return &testEnv{hm: hm, coord: coord, chain: ledger, mux: mux, gen: gen}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) proposal(t *testing.T, nodeID string) *types.Block {
	t.Helper()
	p, ok := e.coord.CurrentPuzzle()
	require.True(t, ok)
	sols := puzzle.Solve(p.Matrix, 1)
	require.NotEmpty(t, sols)
	b, err := e.chain.NextBlock(p.Matrix, sols[0], nodeID, "")
	require.NoError(t, err)
	return b
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRoot(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/nope", nil).Code)
}

func TestSubmitBlockAcceptedThenDuplicate(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[SubmitBlockResponse](t, rec)
	assert.Equal(t, "accepted", first.Status)
	assert.Equal(t, msgBlockAccepted, first.Message)
	assert.NotEmpty(t, first.ProposalID)

	rec = e.do(http.MethodPost, "/submit_block", e.proposal(t, "n2"))
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[SubmitBlockResponse](t, rec)
	assert.Equal(t, "already_pending", second.Status)
	assert.Equal(t, msgBlockDuplicate, second.Message)
	assert.Equal(t, first.ProposalID, second.ProposalID)
	assert.Equal(t, "n1", e.coord.Snapshot().CurrentBlock.NodeID)
}

func TestSubmitBlockMalformed(t *testing.T) {
	e := newTestEnv(t, 0)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/submit_block", "{not json").Code)

	b := e.proposal(t, "n1")
	b.NodeID = ""
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/submit_block", b).Code)

	b = e.proposal(t, "n1")
	b.Solution = types.Grid{{1, 2}}
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/submit_block", b).Code)

	assert.Equal(t, http.StatusMethodNotAllowed, e.do(http.MethodGet, "/submit_block", nil).Code)
}

func TestVoteFinalizesAndAppendsLedger(t *testing.T) {
	e := newTestEnv(t, 0)
	before, _ := e.coord.CurrentPuzzle()

	rec := e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	require.Equal(t, http.StatusOK, rec.Code)
	pid := decode[SubmitBlockResponse](t, rec).ProposalID

	rec = e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "n2", IsValid: false, ProposalID: pid})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[VoteResponse](t, rec).Advanced)

	rec = e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "n3", IsValid: true, ProposalID: pid})
	require.Equal(t, http.StatusOK, rec.Code)
	vr := decode[VoteResponse](t, rec)
	assert.Equal(t, "recorded", vr.Status)
	assert.True(t, vr.Advanced)

	after, _ := e.coord.CurrentPuzzle()
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, "idle", e.coord.Snapshot().Phase)

	rec = e.do(http.MethodGet, "/chain/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decode[types.Block](t, rec)
	assert.Equal(t, uint64(1), latest.Index)
	assert.Equal(t, "n1", latest.NodeID)
	assert.Equal(t, pid, latest.ProposalID)
}

func TestVoteMalformedAndStale(t *testing.T) {
	e := newTestEnv(t, 0)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/submit_validation", "[]").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/submit_validation", types.Vote{IsValid: true}).Code)

	rec := e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "a", IsValid: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[VoteResponse](t, rec).Status)

	e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	rec = e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "a", IsValid: true, ProposalID: "other"})
	vr := decode[VoteResponse](t, rec)
	assert.Equal(t, "ignored", vr.Status)
	assert.False(t, vr.Advanced)
}

func TestTransactionWindow(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	tx := map[string]interface{}{"sender_id": "alice", "receiver_id": "bob", "amount": "12.5"}

	rec := e.do(http.MethodPost, "/transaction", tx)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "window is closed")

	e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	rec = e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "n1", IsValid: true})
	require.True(t, decode[VoteResponse](t, rec).Advanced)
	assert.Equal(t, "transaction_window", e.coord.Snapshot().Phase)

	rec = e.do(http.MethodPost, "/transaction", tx)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[types.Transaction](t, rec)
	assert.Equal(t, uint64(1), stored.Index)
	assert.NotEmpty(t, stored.TxID)
	assert.Equal(t, "12.5", stored.Amount.String())

	bad := map[string]interface{}{"sender_id": "alice", "amount": 1}
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/transaction", bad).Code)

	rec = e.do(http.MethodGet, "/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Pending []types.Transaction `json:"pending"`
		Recent  []types.Transaction `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Pending, 1)
}

func TestChainQueries(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.do(http.MethodGet, "/chain/block?index=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	genesis := decode[types.Block](t, rec)
	assert.True(t, genesis.IsGenesis())

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/chain/block?index=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/chain/block?index=42", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/chain/blocks?from=3&to=1", nil).Code)

	rec = e.do(http.MethodGet, "/chain/blocks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]types.Block](t, rec), 1)
}

func TestBroadcastProblemAndStatus(t *testing.T) {
	e := newTestEnv(t, 0)
	before, _ := e.coord.CurrentPuzzle()

	rec := e.do(http.MethodGet, "/broadcast_problem", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after, _ := e.coord.CurrentPuzzle()
	assert.Greater(t, after.ID, before.ID)

	rec = e.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Round consensus.Status `json:"round"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.Round.Phase)
	assert.Equal(t, "any-positive", st.Round.Policy)
	require.NotNil(t, st.Round.Puzzle)
	assert.Equal(t, after.ID, st.Round.Puzzle.ID)
}

func TestStatsMetricsLogs(t *testing.T) {
	e := newTestEnv(t, 0)

	rec := e.do(http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[stats.Summary](t, rec)
	assert.NotEmpty(t, sum.Channels)

	e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	e.do(http.MethodPost, "/submit_block", e.proposal(t, "n2"))
	rec = e.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `magicchain_block_submissions_total{result="already_pending"} 1`)

	rec = e.do(http.MethodGet, "/logs?max_lines=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lines struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	assert.LessOrEqual(t, len(lines.Logs), 5)
}

func TestWebSocketFrames(t *testing.T) {
	e := newTestEnv(t, 0)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "hello", NodeID: "watcher"}))

	readFrame := func() types.ServerMessage {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg types.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := readFrame()
	require.Equal(t, types.MsgProblem, first.Type)
	p, err := first.Puzzle()
	require.NoError(t, err)
	current, _ := e.coord.CurrentPuzzle()
	assert.Equal(t, current.ID, p.ID)

	require.Eventually(t, func() bool {
		_, blocks := e.hm.hub.SubscriberCount()
		return blocks == 1
	}, time.Second, 10*time.Millisecond)

	rec := e.do(http.MethodPost, "/submit_block", e.proposal(t, "n1"))
	pid := decode[SubmitBlockResponse](t, rec).ProposalID

	frame := readFrame()
	require.Equal(t, types.MsgBlock, frame.Type)
	b, err := frame.Block()
	require.NoError(t, err)
	assert.Equal(t, pid, b.ProposalID)

	e.do(http.MethodPost, "/submit_validation", types.Vote{NodeID: "n1", IsValid: true, ProposalID: pid})
	frame = readFrame()
	assert.Equal(t, types.MsgProblem, frame.Type)

	require.Eventually(t, func() bool {
		peers := e.hm.Peers().List()
		return len(peers) == 1 && peers[0].NodeID == "watcher"
	}, time.Second, 10*time.Millisecond)
}

func TestReplayGuardSkipsOnlyImmediateRepeat(t *testing.T) {
	var g replayGuard
	assert.False(t, g.duplicate(types.Puzzle{ID: 7}))

	g.sent(types.Puzzle{ID: 7})
	assert.True(t, g.duplicate(types.Puzzle{ID: 7}))
	// 之后同一道题的重新广播照常下发
	assert.False(t, g.duplicate(types.Puzzle{ID: 7}))

	g.sent(types.Puzzle{ID: 8})
	assert.False(t, g.duplicate(types.Puzzle{ID: 9}))
	assert.False(t, g.duplicate(types.Puzzle{ID: 8}))
}
