// Package tasks 定义后台任务的类型常量与载荷结构。
// 任务通过 asynq 投递：邀请邮件发送、房间内容写回、过期房间清理。
// 代码执行不走任务队列——每次运行都是同步且一次性的。
package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	TypeInviteEmail    = "email:invite"   // 邀请邮件发送任务
	TypeContentPersist = "room:persist"   // 房间内容写回任务
	TypeRoomPurge      = "room:purge"     // 过期房间清理任务 (周期性)
)

// Enqueuer 抽象 asynq.Client 的入队能力，便于 Service/Hub 测试时注入假实现。
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// InviteEmailPayload 是邀请邮件任务的载荷
type InviteEmailPayload struct {
	To         string `json:"to"`          // 收件人邮箱
	SenderName string `json:"sender_name"` // 邀请人显示名
	RoomID     string `json:"room_id"`
	InviteLink string `json:"invite_link"`
}

// NewInviteEmailTask 创建一个邀请邮件发送任务
func NewInviteEmailTask(p InviteEmailPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeInviteEmail, payload), nil
}

// ContentPersistPayload 是房间内容写回任务的载荷。
// ModifiedAt 随内容一起传递，落库时保持中继接受该次写入的时间。
type ContentPersistPayload struct {
	RoomID     string    `json:"room_id"`
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewContentPersistTask 创建一个房间内容写回任务
func NewContentPersistTask(p ContentPersistPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeContentPersist, payload), nil
}

// NewRoomPurgeTask 创建一个过期房间清理任务 (无载荷，由 Scheduler 周期投递)
func NewRoomPurgeTask() *asynq.Task {
	return asynq.NewTask(TypeRoomPurge, nil)
}
