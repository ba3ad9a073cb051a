package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// 写一条消息的最长等待时间
	writeWait = 10 * time.Second
	// 单条入站消息的大小上限（代码内容可能较大）
	maxMessageSize = 512 * 1024
)

// Client 表示一条已通过认证的 WebSocket 连接。
// rooms 集合只由 Hub 的调度 goroutine 读写；
// send 通道由 Hub 写入、WritePump 消费。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	ClientID string
	UserID   uint

	// 该连接已加入的房间，仅 Hub goroutine 访问
	rooms map[string]bool

	send  chan []byte
	alive atomic.Bool

	closeOnce sync.Once
}

// NewClient 创建一个新的连接对象，分配连接级的唯一标识。
func NewClient(h *Hub, conn *websocket.Conn, userID uint) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		ClientID: uuid.New().String(),
		UserID:   userID,
		rooms:    make(map[string]bool),
		send:     make(chan []byte, 64),
	}
	c.alive.Store(true)
	return c
}

// Run 启动读写泵，调用方在注册完成后调用。
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 持续读取入站帧并交给 Hub 调度。
// 连接断开时负责触发注销。
func (c *Client) readPump() {
	defer func() {
		c.hub.QueueMessage(HubMessage{Type: HubUnregister, Client: c})
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		// 收到 pong 即认为连接存活，供心跳检查使用
		c.alive.Store(true)
		c.resetReadDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"clientId": c.ClientID,
					"error":    err.Error(),
				}).Warn("WebSocket read error")
			}
			return
		}
		c.alive.Store(true)
		c.hub.QueueMessage(HubMessage{Type: HubFrame, Client: c, RawData: data})
	}
}

// writePump 将 send 通道中的出站帧写到连接上。
// 通道关闭（注销）时发送关闭帧并退出。
func (c *Client) writePump() {
	defer c.closeConn()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.WithFields(logrus.Fields{
				"clientId": c.ClientID,
				"error":    err.Error(),
			}).Warn("WebSocket write error")
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ping 发送协议层 ping 帧。WriteControl 允许与 writePump 并发调用。
func (c *Client) ping() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) resetReadDeadline() {
	// 允许错过一次心跳仍不超时，与两次未响应才判死的策略一致
	c.conn.SetReadDeadline(time.Now().Add(3 * c.hub.heartbeatInterval))
}

// closeConn 幂等地关闭底层连接。
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
