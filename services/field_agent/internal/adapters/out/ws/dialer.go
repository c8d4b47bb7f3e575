package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 30 * time.Second
	maxMessageSize    = 1 << 20
)

// DialerConfig 长连接拨号配置
type DialerConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration // 必须小于 PongWait
}

// Dialer 基于 gorilla/websocket 的拨号器
type Dialer struct {
	cfg    DialerConfig
	dialer websocket.Dialer
}

// NewDialer 创建拨号器
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait / 2
	}
	return &Dialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Dial 拨号，握手被拒绝与网络故障分开报告
func (d *Dialer) Dial(ctx context.Context, header http.Header) (out.ChannelConn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel handshake rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	return newConn(ws, d.cfg), nil
}

type conn struct {
	ws   *websocket.Conn
	cfg  DialerConfig
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, cfg DialerConfig) *conn {
	c := &conn{ws: ws, cfg: cfg, done: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
	go c.pingLoop()
	return c
}

// pingLoop 使用 WriteControl 发送心跳，可与 WriteMessage 并发
func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *conn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
