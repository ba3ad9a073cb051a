package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"codecollab/internal/executor"
	"codecollab/internal/service"
	"codecollab/internal/tasks"
)

// Hub 内部指令类型
const (
	HubRegister   = "register"
	HubUnregister = "unregister"
	HubFrame      = "frame"
	HubExecResult = "exec_result"
	HubSend       = "send"
)

// DefaultHeartbeatInterval 是心跳探测的默认周期。
const DefaultHeartbeatInterval = 30 * time.Second

// HubMessage 是投递给调度循环的内部指令。
type HubMessage struct {
	Type    string
	Client  *Client
	RawData []byte
	RoomID  string
	Payload *Message // 执行结果再入时的完整出站消息
}

// JobRunner 抽象代码执行引擎，便于测试替换。
type JobRunner interface {
	Execute(ctx context.Context, job executor.Job) (executor.Result, error)
}

// roomState 是房间内容的内存权威副本。
// 首个订阅者加入时从数据库播种，之后所有读写都走这里，
// 数据库持久化通过任务队列异步回写。
type roomState struct {
	content      string
	lastModified time.Time
}

// Hub 维护所有连接与房间的订阅关系并转发消息。
// clients、rooms、state 三个映射只在 Run 的调度 goroutine 中访问，
// 外部通过 QueueMessage 投递指令，因此无需加锁。
type Hub struct {
	messageChan chan HubMessage
	done        chan struct{}

	// 已注册连接集合
	clients map[*Client]bool
	// roomID -> 订阅者集合，与 Client.rooms 互为镜像
	rooms map[string]map[*Client]bool
	// roomID -> 内存权威内容，仅在房间有订阅者时存在
	state map[string]*roomState

	roomService *service.RoomService
	engine      JobRunner
	enqueuer    tasks.Enqueuer

	heartbeatInterval time.Duration

	// 入站消息类型到处理函数的分发表
	handlers map[string]func(*Client, *Message)
}

// NewHub 创建调度中心。roomService 不能为空；engine 与 enqueuer
// 可以为空，对应功能（代码执行、异步持久化）将被禁用。
func NewHub(roomService *service.RoomService, engine JobRunner, enqueuer tasks.Enqueuer, heartbeatInterval time.Duration) *Hub {
	if roomService == nil {
		panic("hub: roomService is required")
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	h := &Hub{
		messageChan:       make(chan HubMessage, 256),
		done:              make(chan struct{}),
		clients:           make(map[*Client]bool),
		rooms:             make(map[string]map[*Client]bool),
		state:             make(map[string]*roomState),
		roomService:       roomService,
		engine:            engine,
		enqueuer:          enqueuer,
		heartbeatInterval: heartbeatInterval,
	}
	h.handlers = map[string]func(*Client, *Message){
		TypeJoin:            h.handleJoin,
		TypeUpdate:          h.handleUpdate,
		TypeGetContent:      h.handleGetContent,
		TypeLanguageChange:  h.handleLanguageChange,
		TypeExecutionStart:  h.handleExecutionStart,
		TypeExecutionResult: h.handleExecutionResult,
	}
	return h
}

// QueueMessage 向调度循环投递一条指令，可从任意 goroutine 调用。
func (h *Hub) QueueMessage(msg HubMessage) {
	select {
	case h.messageChan <- msg:
	case <-h.done:
	}
}

// Run 是唯一的调度循环，顺序处理所有指令与心跳节拍。
func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	logrus.Info("Hub dispatcher started")
	for {
		select {
		case msg := <-h.messageChan:
			h.dispatch(msg)
		case <-ticker.C:
			h.checkHeartbeats()
		case <-h.done:
			h.shutdown()
			return
		}
	}
}

// Stop 终止调度循环并关闭所有连接。
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) dispatch(msg HubMessage) {
	switch msg.Type {
	case HubRegister:
		h.register(msg.Client)
	case HubUnregister:
		h.teardown(msg.Client)
	case HubFrame:
		h.handleFrame(msg.Client, msg.RawData)
	case HubExecResult:
		// 执行结果再入：按发起者排除后广播给房间其余成员
		h.broadcast(msg.RoomID, msg.Payload, msg.Client)
	case HubSend:
		if h.clients[msg.Client] {
			h.sendTo(msg.Client, msg.Payload)
		}
	default:
		logrus.WithField("type", msg.Type).Warn("Unknown hub command")
	}
}

// register 接纳一条新连接并回发欢迎帧。
func (h *Hub) register(client *Client) {
	h.clients[client] = true
	h.sendTo(client, &Message{
		Type:      TypeWelcome,
		ClientID:  client.ClientID,
		Timestamp: time.Now().UnixMilli(),
	})
	logrus.WithFields(logrus.Fields{
		"clientId": client.ClientID,
		"userId":   client.UserID,
	}).Info("Client registered")
}

// teardown 注销一条连接：从所有房间摘除、通知余下成员并回收空房间。
// 对同一连接重复调用是安全的。
func (h *Hub) teardown(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)

	for roomID := range client.rooms {
		h.removeFromRoom(client, roomID)
	}
	client.rooms = make(map[string]bool)

	close(client.send)
	logrus.WithFields(logrus.Fields{
		"clientId": client.ClientID,
		"userId":   client.UserID,
	}).Info("Client unregistered")
}

// removeFromRoom 同步维护两侧索引，并在房间清空时回收内存状态。
func (h *Hub) removeFromRoom(client *Client, roomID string) {
	subscribers, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(subscribers, client)
	delete(client.rooms, roomID)

	if len(subscribers) == 0 {
		delete(h.rooms, roomID)
		delete(h.state, roomID)
		logrus.WithField("roomId", roomID).Info("Room state released")
		return
	}
	h.broadcast(roomID, &Message{
		Type:          TypeCollaborators,
		RoomID:        roomID,
		Collaborators: len(subscribers),
		Timestamp:     time.Now().UnixMilli(),
	}, nil)
}

// handleFrame 解析入站帧并按类型分发。未知类型只回错误给发送方。
func (h *Hub) handleFrame(client *Client, data []byte) {
	if !h.clients[client] {
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"clientId": client.ClientID,
			"error":    err.Error(),
		}).Warn("Malformed WebSocket frame")
		h.sendTo(client, newErrorMessage("invalid message format"))
		return
	}

	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.sendTo(client, newErrorMessage("unknown message type: "+msg.Type))
		return
	}
	handler(client, &msg)
}

// handleJoin 校验访问权限后把连接挂入房间，并回发当前内容。
func (h *Hub) handleJoin(client *Client, msg *Message) {
	if msg.RoomID == "" {
		h.sendTo(client, newErrorMessage("roomId is required"))
		return
	}

	if !client.rooms[msg.RoomID] {
		room, err := h.roomService.AuthorizeAccess(context.Background(), msg.RoomID, client.UserID)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrForbidden):
				h.sendTo(client, newErrorMessage("not authorized for this room"))
			case errors.Is(err, service.ErrRoomNotFound):
				h.sendTo(client, newErrorMessage("room not found"))
			default:
				logrus.WithFields(logrus.Fields{
					"roomId": msg.RoomID,
					"userId": client.UserID,
					"error":  err.Error(),
				}).Error("Room authorization failed")
				h.sendTo(client, newErrorMessage("failed to join room"))
			}
			return
		}

		// 首个订阅者负责用持久化内容播种内存状态
		if _, ok := h.state[msg.RoomID]; !ok {
			h.state[msg.RoomID] = &roomState{
				content:      room.Content,
				lastModified: room.LastModified,
			}
		}
		if h.rooms[msg.RoomID] == nil {
			h.rooms[msg.RoomID] = make(map[*Client]bool)
		}
		h.rooms[msg.RoomID][client] = true
		client.rooms[msg.RoomID] = true

		logrus.WithFields(logrus.Fields{
			"roomId":   msg.RoomID,
			"clientId": client.ClientID,
			"userId":   client.UserID,
		}).Info("Client joined room")
	}

	st := h.state[msg.RoomID]
	count := len(h.rooms[msg.RoomID])

	h.sendTo(client, &Message{
		Type:          TypeUpdate,
		RoomID:        msg.RoomID,
		Content:       contentOf(st.content),
		IsInitialLoad: true,
		Timestamp:     st.lastModified.UnixMilli(),
	})
	h.sendTo(client, &Message{
		Type:            TypeJoinConfirm,
		RoomID:          msg.RoomID,
		SubscriberCount: count,
		Timestamp:       time.Now().UnixMilli(),
	})
	h.broadcast(msg.RoomID, &Message{
		Type:          TypeCollaborators,
		RoomID:        msg.RoomID,
		Collaborators: count,
		Timestamp:     time.Now().UnixMilli(),
	}, nil)
}

// handleUpdate 以最后写入者胜出的方式更新内容，再转发给其他订阅者。
// 缺失 content 字段的帧视为非法，显式空字符串才是合法的清空操作。
func (h *Hub) handleUpdate(client *Client, msg *Message) {
	if !h.requireSubscribed(client, msg.RoomID) {
		return
	}
	if msg.Content == nil {
		h.sendTo(client, newErrorMessage("content is required"))
		return
	}

	now := time.Now()
	st := h.state[msg.RoomID]
	st.content = *msg.Content
	st.lastModified = now

	h.enqueuePersist(msg.RoomID, *msg.Content, now)

	h.broadcast(msg.RoomID, &Message{
		Type:      TypeUpdate,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		SenderID:  client.ClientID,
		Timestamp: now.UnixMilli(),
	}, client)
}

// handleGetContent 回发房间当前内容。未加入的房间仍需通过权限校验，
// 此时若房间在内存中活跃则以内存副本为准。
func (h *Hub) handleGetContent(client *Client, msg *Message) {
	if msg.RoomID == "" {
		h.sendTo(client, newErrorMessage("roomId is required"))
		return
	}

	if st, ok := h.state[msg.RoomID]; ok && client.rooms[msg.RoomID] {
		h.sendTo(client, &Message{
			Type:      TypeUpdate,
			RoomID:    msg.RoomID,
			Content:   contentOf(st.content),
			Timestamp: st.lastModified.UnixMilli(),
		})
		return
	}

	room, err := h.roomService.AuthorizeAccess(context.Background(), msg.RoomID, client.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			h.sendTo(client, newErrorMessage("not authorized for this room"))
		case errors.Is(err, service.ErrRoomNotFound):
			h.sendTo(client, newErrorMessage("room not found"))
		default:
			h.sendTo(client, newErrorMessage("failed to fetch room content"))
		}
		return
	}

	content, modified := room.Content, room.LastModified
	if st, ok := h.state[msg.RoomID]; ok {
		content, modified = st.content, st.lastModified
	}
	h.sendTo(client, &Message{
		Type:      TypeUpdate,
		RoomID:    msg.RoomID,
		Content:   contentOf(content),
		Timestamp: modified.UnixMilli(),
	})
}

// handleLanguageChange 把语言切换通告给房间内其他订阅者。
func (h *Hub) handleLanguageChange(client *Client, msg *Message) {
	if !h.requireSubscribed(client, msg.RoomID) {
		return
	}
	h.broadcast(msg.RoomID, &Message{
		Type:      TypeLanguageChange,
		RoomID:    msg.RoomID,
		Language:  msg.Language,
		SenderID:  client.ClientID,
		Timestamp: time.Now().UnixMilli(),
	}, client)
}

// handleExecutionStart 先向其他订阅者通告执行开始；若消息携带了源代码
// 且引擎可用，则在独立 goroutine 中执行，结果经调度循环再入后广播。
func (h *Hub) handleExecutionStart(client *Client, msg *Message) {
	if !h.requireSubscribed(client, msg.RoomID) {
		return
	}

	h.broadcast(msg.RoomID, &Message{
		Type:      TypeExecutionStart,
		RoomID:    msg.RoomID,
		Language:  msg.Language,
		SenderID:  client.ClientID,
		Timestamp: time.Now().UnixMilli(),
	}, client)

	if msg.SourceCode == "" || h.engine == nil {
		return
	}
	go h.runExecution(client, msg.RoomID, msg.Language, msg.SourceCode, msg.Stdin)
}

// handleExecutionResult 把客户端上报的执行结果转发给其他订阅者。
func (h *Hub) handleExecutionResult(client *Client, msg *Message) {
	if !h.requireSubscribed(client, msg.RoomID) {
		return
	}
	h.broadcast(msg.RoomID, &Message{
		Type:      TypeExecutionResult,
		RoomID:    msg.RoomID,
		Output:    msg.Output,
		Error:     msg.Error,
		ExitCode:  msg.ExitCode,
		Success:   msg.Success,
		SenderID:  client.ClientID,
		Timestamp: time.Now().UnixMilli(),
	}, client)
}

// runExecution 在调度循环之外运行代码执行任务，完成后把结果再入队列。
func (h *Hub) runExecution(client *Client, roomID, language, sourceCode, stdin string) {
	result, err := h.engine.Execute(context.Background(), executor.Job{
		Language:   language,
		SourceCode: sourceCode,
		Stdin:      stdin,
	})
	if err != nil {
		if errors.Is(err, executor.ErrUnsupportedLanguage) {
			h.sendToAsync(client, newErrorMessage("unsupported language: "+language))
			return
		}
		logrus.WithFields(logrus.Fields{
			"roomId":   roomID,
			"language": language,
			"error":    err.Error(),
		}).Error("Code execution failed to start")
		h.sendToAsync(client, newErrorMessage("code execution failed"))
		return
	}

	h.QueueMessage(HubMessage{
		Type:   HubExecResult,
		Client: client,
		RoomID: roomID,
		Payload: &Message{
			Type:      TypeExecutionResult,
			RoomID:    roomID,
			Language:  language,
			Output:    result.Stdout,
			Error:     firstNonEmpty(result.Err, result.Stderr),
			ExitCode:  result.ExitCode,
			Success:   result.State == executor.StateSucceeded,
			SenderID:  client.ClientID,
			Timestamp: time.Now().UnixMilli(),
		},
	})
}

// requireSubscribed 校验连接已加入目标房间，未加入时回错误帧。
func (h *Hub) requireSubscribed(client *Client, roomID string) bool {
	if roomID == "" {
		h.sendTo(client, newErrorMessage("roomId is required"))
		return false
	}
	if !client.rooms[roomID] {
		h.sendTo(client, newErrorMessage("join the room before sending messages to it"))
		return false
	}
	return true
}

// enqueuePersist 把内容变更异步回写数据库。失败只记录日志，
// 内存副本仍是权威数据，不影响转发。
func (h *Hub) enqueuePersist(roomID, content string, modifiedAt time.Time) {
	if h.enqueuer == nil {
		return
	}
	task, err := tasks.NewContentPersistTask(tasks.ContentPersistPayload{
		RoomID:     roomID,
		Content:    content,
		ModifiedAt: modifiedAt,
	})
	if err != nil {
		logrus.WithField("roomId", roomID).WithError(err).Error("Failed to build persist task")
		return
	}
	if _, err := h.enqueuer.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(5)); err != nil {
		logrus.WithField("roomId", roomID).WithError(err).Error("Failed to enqueue persist task")
	}
}

// broadcast 把消息编码一次后发给房间内除 exclude 外的所有订阅者。
func (h *Hub) broadcast(roomID string, msg *Message, exclude *Client) {
	subscribers, ok := h.rooms[roomID]
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithField("roomId", roomID).WithError(err).Error("Failed to marshal broadcast message")
		return
	}
	for client := range subscribers {
		if client == exclude {
			continue
		}
		h.sendBytes(client, data)
	}
}

// sendTo 向单个连接发送出站消息，只能在调度 goroutine 中调用。
func (h *Hub) sendTo(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithField("clientId", client.ClientID).WithError(err).Error("Failed to marshal message")
		return
	}
	h.sendBytes(client, data)
}

// sendBytes 非阻塞投递：发送缓冲已满说明对端消费过慢，丢弃并告警。
func (h *Hub) sendBytes(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		logrus.WithField("clientId", client.ClientID).Warn("Client send buffer full, message dropped")
	}
}

// sendToAsync 从调度循环之外向连接发送消息。send 通道只会在
// teardown 中关闭，而 teardown 只在调度循环里执行，因此这里通过
// 再入指令间接送达，避免向已关闭通道写入。
func (h *Hub) sendToAsync(client *Client, msg *Message) {
	h.QueueMessage(HubMessage{Type: HubSend, Client: client, Payload: msg})
}

// checkHeartbeats 实施两次未响应判死策略：上一轮发出 ping 后仍未
// 收到 pong 的连接被关闭，读泵随之退出并触发注销。
func (h *Hub) checkHeartbeats() {
	for client := range h.clients {
		if !client.alive.Load() {
			logrus.WithFields(logrus.Fields{
				"clientId": client.ClientID,
				"userId":   client.UserID,
			}).Warn("Heartbeat missed twice, closing connection")
			client.closeConn()
			continue
		}
		client.alive.Store(false)
		if err := client.ping(); err != nil {
			logrus.WithField("clientId", client.ClientID).WithError(err).Warn("Heartbeat ping failed")
			client.closeConn()
		}
	}
}

// shutdown 在 Stop 后依次注销所有连接。
func (h *Hub) shutdown() {
	for client := range h.clients {
		h.teardown(client)
	}
	logrus.Info("Hub dispatcher stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
