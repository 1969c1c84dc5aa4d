package zap

import (
	"io"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AnishMulay/sandlock/internal/log_service"
)

// ZapLogService writes LogEvents as structured zap entries. Metadata keys
// become top-level fields.
type ZapLogService struct {
	logger *zap.Logger
	nodeID string
}

// NewZapLogService builds a JSON logger at the given minimum level. When
// console is true a human-readable encoder is used instead.
func NewZapLogService(nodeID string, level string, console bool, w io.Writer) *ZapLogService {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if console {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), toZapLevel(level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(zap.String("node_id", nodeID))

	return &ZapLogService{logger: logger, nodeID: nodeID}
}

func toZapLevel(level string) zapcore.Level {
	switch log_service.GetLevelValue(level) {
	case log_service.InfoLevelValue:
		return zapcore.InfoLevel
	case log_service.WarnLevelValue:
		return zapcore.WarnLevel
	case log_service.ErrorLevelValue:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

func fields(event log_service.LogEvent) []zap.Field {
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+1)
	if !event.Timestamp.IsZero() {
		out = append(out, zap.Time("event_time", event.Timestamp))
	}
	for _, k := range keys {
		out = append(out, zap.Any(k, event.Metadata[k]))
	}
	return out
}

func (z *ZapLogService) write(level zapcore.Level, event log_service.LogEvent) {
	if ce := z.logger.Check(level, event.Message); ce != nil {
		ce.Write(fields(event)...)
	}
}

func (z *ZapLogService) Debug(event log_service.LogEvent) {
	z.write(zapcore.DebugLevel, event)
}

func (z *ZapLogService) Info(event log_service.LogEvent) {
	z.write(zapcore.InfoLevel, event)
}

func (z *ZapLogService) Warn(event log_service.LogEvent) {
	z.write(zapcore.WarnLevel, event)
}

func (z *ZapLogService) Error(event log_service.LogEvent) {
	z.write(zapcore.ErrorLevel, event)
}

// Sync flushes buffered entries.
func (z *ZapLogService) Sync() error {
	return z.logger.Sync()
}

var _ log_service.LogService = (*ZapLogService)(nil)
