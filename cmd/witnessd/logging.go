package witnessd

import (
	"fmt"
	"os"
	"unicode"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// consoleEncoder replaces control characters so that data read from chains
// cannot forge log lines.
type consoleEncoder struct {
	zapcore.Encoder
}

func (e consoleEncoder) Clone() zapcore.Encoder {
	return consoleEncoder{e.Encoder.Clone()}
}

func (e consoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := e.Encoder.EncodeEntry(entry, fields)
	if err != nil {
		return nil, err
	}

	b := buf.Bytes()
	for i := range b {
		if unicode.IsControl(rune(b[i])) && !unicode.IsSpace(rune(b[i])) {
			b[i] = '\x1A' // Substitute character
		}
	}

	return buf, nil
}

// newRootLogger sets up go-log, which the supervisor tree shares, and returns
// the root zap logger.
func newRootLogger(level string, format string) (*zap.Logger, error) {
	lvl, err := ipfslog.LevelFromString(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	var logger *zap.Logger
	switch format {
	case "golog":
		logger = ipfslog.Logger("witnessd").Desugar()
	case "console":
		logger = zap.New(zapcore.NewCore(
			consoleEncoder{zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())},
			zapcore.AddSync(zapcore.Lock(os.Stderr)),
			zap.NewAtomicLevelAt(zapcore.Level(lvl)))).Named("witnessd")
		// Redirect go-log users to the same core
		ipfslog.SetPrimaryCore(logger.Core())
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	// Override the default go-log config, which uses a magic environment variable.
	ipfslog.SetAllLoggers(lvl)

	return logger, nil
}
