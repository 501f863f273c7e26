package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"magicchain/types"
)

// FrameHandler 处理服务端推送的一帧
type FrameHandler func(types.ServerMessage)

func (c *Client) wsURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws"
	}
}

// Subscribe 连接 /ws 并把每一帧交给 handler，连接断开或 ctx 结束时返回
func (c *Client) Subscribe(ctx context.Context, nodeID string, handler FrameHandler) error {
	dialer := *websocket.DefaultDialer
	if c.cfg.Client.InsecureSkipVerify && dialer.TLSClientConfig == nil {
		dialer.TLSClientConfig = insecureTLS()
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL(), err)
	}
	defer conn.Close()

	if nodeID != "" {
		if err := conn.WriteJSON(map[string]string{"type": "hello", "node_id": nodeID}); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	c.Logger.Info("[Sender] subscribed to %s", c.wsURL())

	// ctx 结束时关闭连接，让 ReadJSON 返回
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg types.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		handler(msg)
	}
}

// SubscribeLoop 断线后按 ReconnectDelay 重连，直到 ctx 结束
func (c *Client) SubscribeLoop(ctx context.Context, nodeID string, handler FrameHandler) error {
	delay := c.cfg.Client.ReconnectDelay.D()
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		err := c.Subscribe(ctx, nodeID, handler)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return ctx.Err()
		}
		c.Logger.Warn("[Sender] subscription lost: %v, reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
