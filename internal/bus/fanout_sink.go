package bus

import (
	"context"

	"go.uber.org/zap"
)

// FanoutSink 先写主死信出口，再通知其余出口（通知失败只记录日志）
type FanoutSink struct {
	primary DeadLetterSink
	others  []DeadLetterSink
	logger  *zap.Logger
}

func NewFanoutSink(logger *zap.Logger, primary DeadLetterSink, others ...DeadLetterSink) *FanoutSink {
	return &FanoutSink{primary: primary, others: others, logger: logger}
}

func (f *FanoutSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	if err := f.primary.DeadLetter(ctx, dl); err != nil {
		return err
	}
	for _, sink := range f.others {
		if err := sink.DeadLetter(ctx, dl); err != nil {
			f.logger.Warn("Dead letter notification failed",
				zap.String("message_id", dl.SourceID),
				zap.Error(err),
			)
		}
	}
	return nil
}
