package out

import (
	"context"
	"net/http"
)

// ChannelConn 一条已建立的长连接
type ChannelConn interface {
	// ReadMessage 阻塞读取下一帧文本报文
	ReadMessage() ([]byte, error)
	// WriteMessage 发送一帧文本报文
	WriteMessage(data []byte) error
	// Close 关闭连接，重复调用安全
	Close() error
}

// ChannelDialer 长连接拨号器
type ChannelDialer interface {
	// Dial 使用给定请求头拨号
	Dial(ctx context.Context, header http.Header) (ChannelConn, error)
}

// TokenProvider 提供 bearer token
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}
