package events

import (
	"context"

	"go.uber.org/zap"
)

// LogHandler writes every event to the log. It is the default consumer for
// deployments without a downstream indexer.
type LogHandler struct {
	log *zap.Logger
}

func NewLogHandler(log *zap.Logger) *LogHandler {
	return &LogHandler{log: log}
}

func (h *LogHandler) Handle(_ context.Context, env Envelope) error {
	fields := []zap.Field{
		zap.String("kind", string(env.Kind)),
		zap.String("voucher", env.VoucherID),
		zap.Int64("emitted_at", env.EmittedAt),
	}
	if env.Voucher != nil {
		fields = append(fields,
			zap.String("currency", env.Voucher.CurrencyID),
			zap.String("voucher_amount", env.Voucher.Amount),
			zap.String("owner", env.Voucher.Owner),
		)
	}
	if env.Merchant != "" {
		fields = append(fields,
			zap.String("redeemer", env.Redeemer),
			zap.String("merchant", env.Merchant),
			zap.String("amount", env.Amount),
		)
	}
	h.log.Info("voucher event", fields...)
	return nil
}
