package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"codecollab/internal/mailer"
	"codecollab/internal/repository"
	"codecollab/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server   *asynq.Server
	log      *logrus.Entry
	roomRepo repository.RoomRepository
	mailer   mailer.Mailer
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, roomRepo repository.RoomRepository, m mailer.Mailer, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server:   server,
		log:      logEntry,
		roomRepo: roomRepo,
		mailer:   m,
	}
}

// Start 运行 Worker Server，应在单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	mux := asynq.NewServeMux()

	mux.HandleFunc(tasks.TypeContentPersist, NewContentPersistHandler(ws.roomRepo).ProcessTask)
	mux.HandleFunc(tasks.TypeInviteEmail, NewInviteEmailHandler(ws.mailer).ProcessTask)
	mux.HandleFunc(tasks.TypeRoomPurge, NewRoomPurgeHandler(ws.roomRepo).ProcessTask)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅停止 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.server.Shutdown()
}
