package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codecollab/internal/domain"
	"codecollab/internal/executor"
	"codecollab/internal/repository/mocks"
	"codecollab/internal/service"
)

// fakeEnqueuer 记录入队的任务
type fakeEnqueuer struct {
	enqueued []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

// fakeRunner 返回预设的执行结果
type fakeRunner struct {
	result executor.Result
	err    error
	jobs   []executor.Job
}

func (f *fakeRunner) Execute(ctx context.Context, job executor.Job) (executor.Result, error) {
	f.jobs = append(f.jobs, job)
	return f.result, f.err
}

// testEnv 直接驱动 dispatch，测试里不启动调度 goroutine
type testEnv struct {
	hub      *Hub
	roomRepo *mocks.RoomRepository
	userRepo *mocks.UserRepository
	enqueuer *fakeEnqueuer
	runner   *fakeRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	roomRepo := new(mocks.RoomRepository)
	userRepo := new(mocks.UserRepository)
	enq := &fakeEnqueuer{}
	runner := &fakeRunner{}
	roomService := service.NewRoomService(roomRepo, userRepo, enq, "http://localhost:3000")
	return &testEnv{
		hub:      NewHub(roomService, runner, enq, time.Minute),
		roomRepo: roomRepo,
		userRepo: userRepo,
		enqueuer: enq,
		runner:   runner,
	}
}

func (e *testEnv) newClient(userID uint) *Client {
	c := NewClient(e.hub, nil, userID)
	e.hub.dispatch(HubMessage{Type: HubRegister, Client: c})
	return c
}

func (e *testEnv) expectRoom(roomID string, ownerID uint, content string) {
	room := &domain.Room{
		RoomID:       roomID,
		OwnerID:      ownerID,
		Content:      content,
		LastModified: time.Now(),
		ExpiresAt:    time.Now().Add(domain.RoomTTL),
	}
	e.roomRepo.On("FindByID", anyCtx(), roomID).Return(room, nil)
}

func anyCtx() interface{} {
	return context.Background()
}

// frame 把入站消息编码后经 dispatch 投递
func (e *testEnv) frame(c *Client, msg Message) {
	data, _ := json.Marshal(msg)
	e.hub.dispatch(HubMessage{Type: HubFrame, Client: c, RawData: data})
}

// received 排空连接的发送缓冲并解码
func received(t *testing.T, c *Client) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func typesOf(msgs []Message) []string {
	var types []string
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	return types
}

func TestHub_Register_SendsWelcome(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(1)

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeWelcome, msgs[0].Type)
	assert.Equal(t, c.ClientID, msgs[0].ClientID, "欢迎帧应携带连接标识")
}

func TestHub_Join_SeedsStateAndConfirms(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "fmt.Println(42)")
	c := env.newClient(1)
	received(t, c) // 排空 welcome

	env.frame(c, Message{Type: TypeJoin, RoomID: "room-1"})

	// 两侧索引一致
	assert.True(t, c.rooms["room-1"])
	assert.True(t, env.hub.rooms["room-1"][c])
	// 内存状态由持久化内容播种
	require.NotNil(t, env.hub.state["room-1"])
	assert.Equal(t, "fmt.Println(42)", env.hub.state["room-1"].content)

	msgs := received(t, c)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{TypeUpdate, TypeJoinConfirm, TypeCollaborators}, typesOf(msgs))
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, "fmt.Println(42)", *msgs[0].Content)
	assert.True(t, msgs[0].IsInitialLoad)
	assert.Equal(t, 1, msgs[1].SubscriberCount)
}

func TestHub_Join_Forbidden_NoSideEffect(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{}, nil)
	c := env.newClient(99)
	received(t, c)

	env.frame(c, Message{Type: TypeJoin, RoomID: "room-1"})

	// 未授权的加入不得留下任何状态
	assert.False(t, c.rooms["room-1"])
	assert.Nil(t, env.hub.rooms["room-1"])
	assert.Nil(t, env.hub.state["room-1"])

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type)
}

func TestHub_Update_FanoutExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "v1")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)

	sender := env.newClient(1)
	other := env.newClient(2)
	env.frame(sender, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(other, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, sender)
	received(t, other)

	env.frame(sender, Message{Type: TypeUpdate, RoomID: "room-1", Content: contentOf("v2")})

	// 发送方不回显
	assert.Empty(t, received(t, sender), "发起方不应收到自己的更新")
	msgs := received(t, other)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeUpdate, msgs[0].Type)
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, "v2", *msgs[0].Content)
	assert.Equal(t, sender.ClientID, msgs[0].SenderID)

	// 内存状态已按最后写入更新，持久化任务已入队
	assert.Equal(t, "v2", env.hub.state["room-1"].content)
	assert.Len(t, env.enqueuer.enqueued, 1)
}

func TestHub_Update_RequiresJoin(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(1)
	received(t, c)

	env.frame(c, Message{Type: TypeUpdate, RoomID: "room-1", Content: contentOf("v2")})

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type, "未加入房间的更新应被拒绝")
	assert.Nil(t, env.hub.state["room-1"])
	assert.Empty(t, env.enqueuer.enqueued)
}

func TestHub_Update_MissingContentRejected(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "v1")
	c := env.newClient(1)
	env.frame(c, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, c)

	// 帧里根本没有 content 字段
	env.frame(c, Message{Type: TypeUpdate, RoomID: "room-1"})

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type, "缺失 content 的更新应被拒绝")
	assert.Equal(t, "v1", env.hub.state["room-1"].content, "缺失 content 不得清空缓冲区")
	assert.Empty(t, env.enqueuer.enqueued)
}

func TestHub_Update_EmptyContentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "v1")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	sender := env.newClient(1)
	other := env.newClient(2)
	env.frame(sender, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(other, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, sender)
	received(t, other)

	// 显式空字符串是合法的清空操作
	env.frame(sender, Message{Type: TypeUpdate, RoomID: "room-1", Content: contentOf("")})

	assert.Equal(t, "", env.hub.state["room-1"].content)
	assert.Len(t, env.enqueuer.enqueued, 1, "清空操作也要落盘")
	msgs := received(t, other)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeUpdate, msgs[0].Type)
	require.NotNil(t, msgs[0].Content, "空内容在出站帧里必须显式携带")
	assert.Equal(t, "", *msgs[0].Content)

	// 清空后读回的也是空字符串
	env.frame(other, Message{Type: TypeGetContent, RoomID: "room-1"})
	reads := received(t, other)
	require.Len(t, reads, 1)
	assert.Equal(t, TypeUpdate, reads[0].Type)
	require.NotNil(t, reads[0].Content)
	assert.Equal(t, "", *reads[0].Content)
}

func TestHub_GetContent_JoinedReturnsMemoryCopy(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "durable")
	c := env.newClient(1)
	env.frame(c, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, c)
	env.frame(c, Message{Type: TypeUpdate, RoomID: "room-1", Content: contentOf("live")})
	received(t, c)

	env.frame(c, Message{Type: TypeGetContent, RoomID: "room-1"})

	// 已加入的连接读的是内存副本，不再查库
	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeUpdate, msgs[0].Type)
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, "live", *msgs[0].Content)
	env.roomRepo.AssertNumberOfCalls(t, "FindByID", 1)
}

func TestHub_GetContent_UnjoinedOwnerReadsDurable(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "durable")
	owner := env.newClient(1)
	received(t, owner)

	env.frame(owner, Message{Type: TypeGetContent, RoomID: "room-1"})

	// 未加入时走权限校验后回发落盘内容，且不产生订阅
	msgs := received(t, owner)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeUpdate, msgs[0].Type)
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, "durable", *msgs[0].Content)
	assert.False(t, owner.rooms["room-1"], "读取内容不应产生订阅")
	assert.Nil(t, env.hub.rooms["room-1"])
}

func TestHub_GetContent_UnjoinedPrefersLiveState(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "durable")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)

	// 另一个订阅者把内存副本推进到比落盘值更新
	editor := env.newClient(2)
	env.frame(editor, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(editor, Message{Type: TypeUpdate, RoomID: "room-1", Content: contentOf("live")})
	received(t, editor)

	owner := env.newClient(1)
	received(t, owner)
	env.frame(owner, Message{Type: TypeGetContent, RoomID: "room-1"})

	// 房间活跃时内存副本优先于落盘值
	msgs := received(t, owner)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Content)
	assert.Equal(t, "live", *msgs[0].Content, "活跃房间以内存副本为准")
}

func TestHub_GetContent_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "secret")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{}, nil)
	c := env.newClient(99)
	received(t, c)

	env.frame(c, Message{Type: TypeGetContent, RoomID: "room-1"})

	msgs := received(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type, "无权限的读取应被拒绝")
	assert.Nil(t, msgs[0].Content)
}

func TestHub_UnknownType_ErrorToSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	a := env.newClient(1)
	b := env.newClient(2)
	env.frame(a, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(b, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, a)
	received(t, b)

	env.frame(a, Message{Type: "compact", RoomID: "room-1"})

	msgs := received(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type)
	assert.Empty(t, received(t, b), "未知类型只回发送方，不广播")
}

func TestHub_Teardown_CleansBothIndices(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	a := env.newClient(1)
	b := env.newClient(2)
	env.frame(a, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(b, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, a)
	received(t, b)

	env.hub.dispatch(HubMessage{Type: HubUnregister, Client: a})

	// 注销方从两侧索引消失，剩余成员收到人数通告
	assert.False(t, env.hub.clients[a])
	assert.False(t, env.hub.rooms["room-1"][a])
	assert.True(t, env.hub.rooms["room-1"][b])
	msgs := received(t, b)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeCollaborators, msgs[0].Type)
	assert.Equal(t, 1, msgs[0].Collaborators)

	// 重复注销是安全的
	env.hub.dispatch(HubMessage{Type: HubUnregister, Client: a})

	// 最后一人离开后房间状态被回收
	env.hub.dispatch(HubMessage{Type: HubUnregister, Client: b})
	assert.Nil(t, env.hub.rooms["room-1"])
	assert.Nil(t, env.hub.state["room-1"])
}

func TestHub_ExecutionResult_ReentryExcludesOriginator(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	originator := env.newClient(1)
	observer := env.newClient(2)
	env.frame(originator, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(observer, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, originator)
	received(t, observer)

	env.hub.dispatch(HubMessage{
		Type:   HubExecResult,
		Client: originator,
		RoomID: "room-1",
		Payload: &Message{
			Type:     TypeExecutionResult,
			RoomID:   "room-1",
			Output:   "42\n",
			ExitCode: 0,
			Success:  true,
			SenderID: originator.ClientID,
		},
	})

	assert.Empty(t, received(t, originator), "发起方经 HTTP 拿结果，不要重复广播")
	msgs := received(t, observer)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeExecutionResult, msgs[0].Type)
	assert.Equal(t, "42\n", msgs[0].Output)
	assert.True(t, msgs[0].Success)
}

func TestHub_ExecutionStart_BroadcastAndRun(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	env.runner.result = executor.Result{State: executor.StateSucceeded, Stdout: "ok\n"}

	sender := env.newClient(1)
	other := env.newClient(2)
	env.frame(sender, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(other, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, sender)
	received(t, other)

	env.frame(sender, Message{
		Type:       TypeExecutionStart,
		RoomID:     "room-1",
		Language:   "python",
		SourceCode: "print('ok')",
	})

	// 开始通告立即发给其他订阅者
	msgs := received(t, other)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeExecutionStart, msgs[0].Type)
	assert.Equal(t, "python", msgs[0].Language)

	// 引擎在后台运行，结果经调度队列再入
	require.Eventually(t, func() bool {
		select {
		case msg := <-env.hub.messageChan:
			env.hub.dispatch(msg)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "执行结果应再入调度队列")

	require.Len(t, env.runner.jobs, 1)
	assert.Equal(t, "print('ok')", env.runner.jobs[0].SourceCode)

	results := received(t, other)
	require.Len(t, results, 1)
	assert.Equal(t, TypeExecutionResult, results[0].Type)
	assert.Equal(t, "ok\n", results[0].Output)
	assert.Empty(t, received(t, sender), "发起方不收广播结果")
}

func TestHub_LanguageChange_Fanout(t *testing.T) {
	env := newTestEnv(t)
	env.expectRoom("room-1", 1, "x")
	env.roomRepo.On("ListInvitedUserIDs", anyCtx(), "room-1").Return([]uint{2}, nil)
	sender := env.newClient(1)
	other := env.newClient(2)
	env.frame(sender, Message{Type: TypeJoin, RoomID: "room-1"})
	env.frame(other, Message{Type: TypeJoin, RoomID: "room-1"})
	received(t, sender)
	received(t, other)

	env.frame(sender, Message{Type: TypeLanguageChange, RoomID: "room-1", Language: "cpp"})

	msgs := received(t, other)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeLanguageChange, msgs[0].Type)
	assert.Equal(t, "cpp", msgs[0].Language)
	assert.Empty(t, received(t, sender))
}

func TestHub_Heartbeat_TwoStrike(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(1)
	received(t, c)

	// 第一轮：存活标记被清零，等待 pong 回写
	require.True(t, c.alive.Load())
	env.hub.checkHeartbeats()
	assert.False(t, c.alive.Load(), "第一轮心跳后存活标记应清零")

	// 第二轮：仍未收到 pong，连接被关闭（nil conn 下仅验证不 panic）
	env.hub.checkHeartbeats()
}
