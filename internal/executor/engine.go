// Package executor 实现沙箱化的代码执行引擎。
// 每个作业在独立的容器中编译和运行：内存/CPU/进程数受限、
// 丢弃全部特权能力、禁止提权、默认无网络。每个阶段有硬性超时，
// 超时后强制终止容器内的进程树。作业的临时产物在任何退出路径上
// 都会被清理。
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout 是每个阶段（编译或运行）的墙钟超时。
const DefaultTimeout = 5 * time.Second

// 沙箱资源上限，对每个阶段生效
const (
	memoryLimit = "128m"
	cpuLimit    = "0.5"
	pidsLimit   = "64"
)

// State 是作业的终止状态。
type State string

const (
	StateSucceeded      State = "succeeded"       // 运行完成且退出码为 0
	StateCompileFailed  State = "compile_failed"  // 编译阶段非零退出，未进入运行
	StateRuntimeNonZero State = "runtime_nonzero" // 运行完成但退出码非零
	StateTimedOut       State = "timed_out"       // 阶段超时，进程树已被强制终止
	StateSandboxError   State = "sandbox_error"   // 基础设施层面无法启动/执行
)

// ErrUnsupportedLanguage 表示请求的语言没有对应的运行时镜像。
// 在分配任何资源之前返回。
var ErrUnsupportedLanguage = errors.New("executor: unsupported language")

// Job 描述一次执行请求。
type Job struct {
	Language   string // 语言标识，见 SupportedLanguages
	SourceCode string // 提交的源代码
	Stdin      string // 可选的标准输入，写入后立即关闭
}

// Result 是作业到达终止状态后的结果。
// SandboxError 的信息在 Err 字段，不混入 Stdout。
type Result struct {
	State    State  `json:"state"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Err      string `json:"error,omitempty"`
}

// phaseOutcome 是单阶段进程执行的原始结果
type phaseOutcome struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	err      error // 启动/基础设施错误，区别于非零退出
}

// commandRunner 抽象单阶段的进程执行，测试时注入假实现。
type commandRunner interface {
	run(ctx context.Context, containerName string, args []string, stdin string, timeout time.Duration) phaseOutcome
}

// Engine 按语言规格驱动两阶段（或单阶段）的沙箱执行流水线。
type Engine struct {
	workRoot string // 作业临时目录的根
	timeout  time.Duration
	runner   commandRunner
}

// NewEngine 创建执行引擎。workRoot 为空时使用系统临时目录。
func NewEngine(workRoot string, timeout time.Duration) *Engine {
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		workRoot: workRoot,
		timeout:  timeout,
		runner:   &dockerRunner{},
	}
}

// Execute 同步执行一个作业直到终止状态。
// 未知语言在分配任何资源前返回 ErrUnsupportedLanguage；
// 其余失败都体现在 Result.State 中，不作为 error 返回。
func (e *Engine) Execute(ctx context.Context, job Job) (Result, error) {
	spec, ok := languageSpecs[job.Language]
	if !ok {
		return Result{}, ErrUnsupportedLanguage
	}

	logCtx := logrus.WithFields(logrus.Fields{"component": "executor", "language": job.Language})

	// 1. 建立作业的临时目录并写入源文件
	jobDir, err := os.MkdirTemp(e.workRoot, "job-")
	if err != nil {
		logCtx.WithError(err).Error("Failed to create job directory")
		return sandboxError(fmt.Errorf("create job dir: %w", err)), nil
	}
	// 清理在每条退出路径上执行；清理失败只记日志，不影响结果
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			logCtx.WithError(err).WithField("job_dir", jobDir).Warn("Failed to clean up job directory")
		}
	}()

	sourcePath := filepath.Join(jobDir, spec.SourceFile)
	if err := os.WriteFile(sourcePath, []byte(job.SourceCode), 0o644); err != nil {
		logCtx.WithError(err).Error("Failed to write source file")
		return sandboxError(fmt.Errorf("write source: %w", err)), nil
	}

	// 2. 编译阶段（仅编译型语言）。非零退出短路，不进入运行。
	if len(spec.Compile) > 0 {
		outcome := e.runPhase(ctx, spec.Image, jobDir, spec.Compile, "")
		switch {
		case outcome.timedOut:
			logCtx.Warn("Compile phase timed out")
			return Result{State: StateTimedOut, Stderr: outcome.stderr, ExitCode: -1, Err: "compilation timed out"}, nil
		case outcome.err != nil:
			logCtx.WithError(outcome.err).Error("Compile phase failed to launch")
			return sandboxError(outcome.err), nil
		case outcome.exitCode != 0:
			logCtx.WithField("exit_code", outcome.exitCode).Info("Compilation failed")
			return Result{State: StateCompileFailed, Stderr: outcome.stderr, ExitCode: outcome.exitCode}, nil
		}
	}

	// 3. 运行阶段
	outcome := e.runPhase(ctx, spec.Image, jobDir, spec.Run, job.Stdin)
	switch {
	case outcome.timedOut:
		logCtx.Warn("Run phase timed out")
		return Result{State: StateTimedOut, Stdout: outcome.stdout, Stderr: outcome.stderr, ExitCode: -1, Err: "execution timed out"}, nil
	case outcome.err != nil:
		logCtx.WithError(outcome.err).Error("Run phase failed to launch")
		return sandboxError(outcome.err), nil
	case outcome.exitCode != 0:
		return Result{State: StateRuntimeNonZero, Stdout: outcome.stdout, Stderr: outcome.stderr, ExitCode: outcome.exitCode}, nil
	}
	return Result{State: StateSucceeded, Stdout: outcome.stdout, Stderr: outcome.stderr, ExitCode: 0}, nil
}

// runPhase 在沙箱内执行一个阶段
func (e *Engine) runPhase(ctx context.Context, image, jobDir string, cmd []string, stdin string) phaseOutcome {
	containerName := "codecollab-job-" + uuid.NewString()
	args := buildDockerArgs(image, jobDir, containerName, cmd)
	return e.runner.run(ctx, containerName, args, stdin, e.timeout)
}

func sandboxError(err error) Result {
	return Result{State: StateSandboxError, ExitCode: -1, Err: err.Error()}
}

// buildDockerArgs 构造一个阶段的 docker run 参数。
// 所有资源上限和安全选项在这里集中声明。
func buildDockerArgs(image, jobDir, containerName string, cmd []string) []string {
	args := []string{
		"run",
		"--rm",
		"--name", containerName,
		"--network=none",
		"--memory=" + memoryLimit,
		"--cpus=" + cpuLimit,
		"--pids-limit=" + pidsLimit,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"-i",
		"-v", jobDir + ":/work",
		"-w", "/work",
		image,
	}
	return append(args, cmd...)
}

// dockerRunner 通过 docker CLI 执行阶段进程。
type dockerRunner struct{}

func (r *dockerRunner) run(ctx context.Context, containerName string, args []string, stdin string, timeout time.Duration) phaseOutcome {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "docker", args...)
	// 输入写入后立即到达 EOF，进程据此判断输入结束
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		// CommandContext 只杀 docker 客户端进程；容器内的进程树
		// 需要显式 docker kill 兜底
		killContainer(containerName)
		return phaseOutcome{stdout: stdout.String(), stderr: stderr.String(), timedOut: true}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return phaseOutcome{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitErr.ExitCode()}
		}
		// docker 不可用等启动失败
		return phaseOutcome{err: fmt.Errorf("failed to start sandbox process: %w", err)}
	}
	return phaseOutcome{stdout: stdout.String(), stderr: stderr.String(), exitCode: 0}
}

// killContainer 尽力终止超时作业的容器（连同其进程树）
func killContainer(containerName string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(killCtx, "docker", "kill", containerName).Run(); err != nil {
		// 容器可能已随 --rm 退出，kill 失败不升级
		logrus.WithError(err).WithField("container", containerName).Debug("docker kill after timeout failed")
	}
}
