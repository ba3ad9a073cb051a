package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"codecollab/internal/executor"
)

// ExecutionHandler 封装同步代码执行的 HTTP 处理逻辑
type ExecutionHandler struct {
	engine *executor.Engine
}

// NewExecutionHandler 创建 ExecutionHandler 实例
func NewExecutionHandler(engine *executor.Engine) *ExecutionHandler {
	if engine == nil {
		panic("Engine cannot be nil for ExecutionHandler")
	}
	return &ExecutionHandler{engine: engine}
}

// ExecuteRequest 定义代码执行请求的结构体
type ExecuteRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
	Input    string `json:"input"`
}

// ExecuteResponse 定义代码执行结果的响应结构体
type ExecuteResponse struct {
	Success  bool   `json:"success"`
	State    string `json:"state"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// Execute 在沙箱中同步执行一段代码并返回结果。
// 发起者通过本接口拿到结果，房间内其他成员经 WebSocket 收到广播。
func (h *ExecutionHandler) Execute(c *gin.Context) {
	userID, ok := authenticatedUserID(c)
	if !ok {
		return
	}

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.Execute: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: language and code are required"})
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "language": req.Language})

	result, err := h.engine.Execute(c.Request.Context(), executor.Job{
		Language:   req.Language,
		SourceCode: req.Code,
		Stdin:      req.Input,
	})
	if err != nil {
		if errors.Is(err, executor.ErrUnsupportedLanguage) {
			logCtx.Warn("Handler.Execute: Unsupported language")
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     "Unsupported language: " + req.Language,
				"supported": executor.SupportedLanguages(),
			})
			return
		}
		logCtx.WithError(err).Error("Handler.Execute: Execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Code execution failed"})
		return
	}

	logCtx.WithFields(logrus.Fields{
		"state":    string(result.State),
		"exitCode": result.ExitCode,
	}).Info("Handler.Execute: Execution finished")

	status := http.StatusOK
	if result.State == executor.StateSandboxError {
		// 沙箱自身故障按服务端错误上报，其余状态都是正常的业务结果
		status = http.StatusInternalServerError
	}
	c.JSON(status, ExecuteResponse{
		Success:  result.State == executor.StateSucceeded,
		State:    string(result.State),
		Output:   result.Stdout,
		Error:    firstNonEmpty(result.Err, result.Stderr),
		ExitCode: result.ExitCode,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
