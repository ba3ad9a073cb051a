package hub

import "time"

// 客户端与服务端之间的 WebSocket 消息类型。
const (
	// 入站消息类型
	TypeJoin            = "join"
	TypeUpdate          = "update"
	TypeGetContent      = "getContent"
	TypeLanguageChange  = "language_change"
	TypeExecutionStart  = "execution_start"
	TypeExecutionResult = "execution_result"

	// 仅出站消息类型
	TypeWelcome       = "welcome"
	TypeJoinConfirm   = "joinConfirm"
	TypeCollaborators = "collaborators"
	TypeError         = "error"
)

// Message 是 WebSocket 连接上所有帧的统一信封。
// 不同类型只使用部分字段，未使用的字段在编码时省略。
// Content 用指针以区分"帧里没有 content"和"显式的空字符串"：
// 空字符串是合法的清空操作，缺失字段则是非法帧。
type Message struct {
	Type            string  `json:"type"`
	RoomID          string  `json:"roomId,omitempty"`
	Content         *string `json:"content,omitempty"`
	Language        string  `json:"language,omitempty"`
	SourceCode      string  `json:"sourceCode,omitempty"`
	Stdin           string  `json:"stdin,omitempty"`
	SenderID        string  `json:"senderId,omitempty"`
	ClientID        string  `json:"clientId,omitempty"`
	SubscriberCount int     `json:"subscriberCount,omitempty"`
	Collaborators   int     `json:"collaborators,omitempty"`
	Output          string  `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExitCode        int     `json:"exitCode,omitempty"`
	Success         bool    `json:"success,omitempty"`
	Message         string  `json:"message,omitempty"`
	IsInitialLoad   bool    `json:"isInitialLoad,omitempty"`
	Timestamp       int64   `json:"timestamp,omitempty"`
}

// contentOf 构造出站消息的 content 字段值。
func contentOf(s string) *string { return &s }

func newErrorMessage(text string) *Message {
	return &Message{Type: TypeError, Message: text, Timestamp: time.Now().UnixMilli()}
}
