package cli

import (
	"context"
	"fmt"

	"wisefido-telemetry/common/logger"
	"wisefido-telemetry/internal/bus"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/service"

	"github.com/spf13/cobra"
)

// Admin 运维命令依赖的后端能力
type Admin interface {
	Reset(ctx context.Context) error
	ListObservations(ctx context.Context) ([]models.Observation, error)
	ListLatest(ctx context.Context) ([]models.DeviceTemperature, error)
	// DeadLetters 内存总线时返回 nil
	DeadLetters() DeadLetterAdmin
	Close(ctx context.Context) error
}

// DeadLetterAdmin 死信流运维（bus.StreamDeadLetters 实现）
type DeadLetterAdmin interface {
	List(ctx context.Context, count int64) ([]bus.DeadLetterEntry, error)
	Replay(ctx context.Context, ids ...string) (int, error)
	Purge(ctx context.Context) (int64, error)
}

// RootOptions 全局参数
type RootOptions struct {
	Format string // "json" | "text"

	// Open 打开后端；测试中替换
	Open func() (Admin, error)
}

// ValidFormats 支持的输出格式
var ValidFormats = []string{"text", "json"}

// NewRootCommand telemetry-admin 根命令
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(OpenFromEnv)
}

// NewRootCommandWith 使用指定后端构造
func NewRootCommandWith(open func() (Admin, error)) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "telemetry-admin",
		Short: "Operate the wisefido telemetry stores and event bus",
		Long:  "Administrative commands for the telemetry write store, device projections and the dead-letter stream.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withAdmin 打开后端、执行、关闭
func withAdmin(opts *RootOptions, fn func(ctx context.Context, admin Admin) error) error {
	admin, err := opts.Open()
	if err != nil {
		return fmt.Errorf("failed to open telemetry backend: %w", err)
	}
	ctx := context.Background()
	defer admin.Close(ctx)
	return fn(ctx, admin)
}

// OpenFromEnv 按环境变量配置连接后端（不启动消费）
func OpenFromEnv() (Admin, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Level, "console", "telemetry-admin")
	if err != nil {
		return nil, err
	}
	svc, err := service.NewTelemetryService(cfg, log)
	if err != nil {
		return nil, err
	}
	return &serviceAdmin{svc: svc}, nil
}

// serviceAdmin 将 TelemetryService 适配为 Admin
type serviceAdmin struct {
	svc *service.TelemetryService
}

func (a *serviceAdmin) Reset(ctx context.Context) error {
	return a.svc.Reset(ctx)
}

func (a *serviceAdmin) ListObservations(ctx context.Context) ([]models.Observation, error) {
	return a.svc.WriteStore().FindAll(ctx)
}

func (a *serviceAdmin) ListLatest(ctx context.Context) ([]models.DeviceTemperature, error) {
	return a.svc.Query().ListLatest(ctx)
}

func (a *serviceAdmin) DeadLetters() DeadLetterAdmin {
	if dl := a.svc.DeadLetters(); dl != nil {
		return dl
	}
	return nil
}

func (a *serviceAdmin) Close(ctx context.Context) error {
	return a.svc.Stop(ctx)
}
