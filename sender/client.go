package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"magicchain/config"
	"magicchain/consensus"
	"magicchain/logs"
	"magicchain/types"
)

// SubmitBlockResponse /submit_block 的返回
type SubmitBlockResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ProposalID string `json:"proposal_id,omitempty"`
	Round      uint64 `json:"round"`
}

func (r SubmitBlockResponse) Accepted() bool { return r.Status == "accepted" }

// VoteResponse /submit_validation 的返回
type VoteResponse struct {
	Status   string `json:"status"`
	Round    uint64 `json:"round"`
	Yes      int    `json:"yes"`
	No       int    `json:"no"`
	Advanced bool   `json:"advanced"`
	Reason   string `json:"reason,omitempty"`
}

// StatusResponse /status 的返回
type StatusResponse struct {
	Round  consensus.Status `json:"round"`
	Peers  int              `json:"peers"`
	Height uint64           `json:"height"`
}

// Client 访问协调者 HTTP 接口的客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        *config.Config
	Logger     logs.Logger
}

// NewClient 根据 Client 配置创建，UseHTTP3 时走 QUIC
func NewClient(cfg *config.Config, logger logs.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewNodeLogger("sender", 0)
	}
	base := strings.TrimRight(cfg.Client.ServerURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("server url must start with http:// or https://, got %q", cfg.Client.ServerURL)
	}

	var hc *http.Client
	if cfg.Client.UseHTTP3 {
		if !strings.HasPrefix(base, "https://") {
			return nil, fmt.Errorf("http3 requires an https:// server url")
		}
		hc = createHttp3Client(cfg)
	} else {
		hc = createHttpClient(cfg)
	}
	return &Client{baseURL: base, httpClient: hc, cfg: cfg, Logger: logger}, nil
}

// SubmitBlock 提交本轮的解
func (c *Client) SubmitBlock(ctx context.Context, b *types.Block) (*SubmitBlockResponse, error) {
	var resp SubmitBlockResponse
	if err := c.doJSON(ctx, "SubmitBlock", http.MethodPost, "/submit_block", b, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitVote 提交对当前提案的验证结果
func (c *Client) SubmitVote(ctx context.Context, v types.Vote) (*VoteResponse, error) {
	var resp VoteResponse
	if err := c.doJSON(ctx, "SubmitVote", http.MethodPost, "/submit_validation", v, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitTransaction 交易窗口关闭时返回 400 的 HTTPStatusError
func (c *Client) SubmitTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	var stored types.Transaction
	if err := c.doJSON(ctx, "SubmitTransaction", http.MethodPost, "/transaction", tx, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var st StatusResponse
	if err := c.doJSON(ctx, "Status", http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Latest 服务端账本的最新区块
func (c *Client) Latest(ctx context.Context) (*types.Block, error) {
	var b types.Block
	if err := c.doJSON(ctx, "Latest", http.MethodGet, "/chain/latest", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// BroadcastProblem 让服务端重新出题
func (c *Client) BroadcastProblem(ctx context.Context) (*types.Puzzle, error) {
	var resp struct {
		Puzzle types.Puzzle `json:"puzzle"`
	}
	if err := c.doJSON(ctx, "BroadcastProblem", http.MethodGet, "/broadcast_problem", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Puzzle, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respData, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respData))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
