package guest

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/textbridge/pkg/abi"
)

// Sink receives one rendered log line. Inside the wasm guest it is the
// host.log_message import.
type Sink func(level abi.LogLevel, line string)

// hostCore is a zapcore.Core that renders entries without time or level and
// passes them to a Sink; the host stamps both when it re-emits the line.
type hostCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	sink Sink
}

// NewLogger returns a logger whose entries at or above level go to sink.
func NewLogger(sink Sink, level zapcore.Level) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:       "msg",
		NameKey:          "logger",
		LineEnding:       "",
		ConsoleSeparator: " ",
		EncodeDuration:   zapcore.StringDurationEncoder,
	})
	return zap.New(&hostCore{LevelEnabler: level, enc: enc, sink: sink})
}

func (c *hostCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(enc)
	}
	return &hostCore{LevelEnabler: c.LevelEnabler, enc: enc, sink: c.sink}
}

func (c *hostCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hostCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimSpace(buf.String())
	buf.Free()

	c.sink(levelOf(ent.Level), line)
	return nil
}

func (c *hostCore) Sync() error {
	return nil
}

func levelOf(l zapcore.Level) abi.LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return abi.LogDebug
	case l == zapcore.InfoLevel:
		return abi.LogInfo
	case l == zapcore.WarnLevel:
		return abi.LogWarn
	default:
		return abi.LogError
	}
}
