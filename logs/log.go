package logs

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

// 映射到 zap 的级别；zap 只有 debug/info/warn/error，这里向下扩展出 trace/verbose
var zapLevels = [...]zapcore.Level{
	LevelTrace:   zapcore.Level(-3),
	LevelDebug:   zapcore.Level(-2),
	LevelVerbose: zapcore.Level(-1),
	LevelInfo:    zapcore.InfoLevel,
	LevelWarning: zapcore.WarnLevel,
	LevelError:   zapcore.ErrorLevel,
}

var levelNames = [...]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelVerbose: "VERBOSE",
	LevelInfo:    "INFO",
	LevelWarning: "WARN",
	LevelError:   "ERROR",
}

// Options 日志输出配置
type Options struct {
	Level  string // trace|debug|verbose|info|warn|error
	Format string // console|json
	// File 非空时写入文件并按大小滚动
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
	}
}

var (
	atomicLevel = zap.NewAtomicLevelAt(zapLevels[LevelInfo])
	base        atomic.Pointer[zap.Logger]
	std         = &nodeLogger{capacity: 1000}
)

// 初始化全局 Logger 实例
func init() {
	base.Store(build(DefaultOptions()))
}

// Init 按配置重建全局输出
func Init(opts Options) error {
	if err := SetLevel(opts.Level); err != nil {
		return err
	}
	old := base.Swap(build(opts))
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// SetLevel 动态调整日志级别
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lv, err := ParseLevel(level)
	if err != nil {
		return err
	}
	atomicLevel.SetLevel(zapLevels[lv])
	return nil
}

func ParseLevel(level string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Sync 刷出缓冲
func Sync() error {
	return base.Load().Sync()
}

func build(opts Options) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		FunctionKey:    zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000"),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zapcore.DPanicLevel))
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	for lv, zl := range zapLevels {
		if zl == l {
			enc.AppendString("[" + levelNames[lv] + "]")
			return
		}
	}
	enc.AppendString("[" + l.CapitalString() + "]")
}

// ============================================
// Logger：按节点/组件区分，保留最近若干行供 /logs 查询
// ============================================

type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	GetLogs() []string
}

type nodeLogger struct {
	name     string
	capacity int

	mu     sync.Mutex
	lines  []string
	next   int
	filled bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*nodeLogger)
)

// NewNodeLogger 创建带环形缓冲的 Logger；同名重复创建返回同一个实例
func NewNodeLogger(name string, capacity int) Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := &nodeLogger{name: name, capacity: capacity}
	registry[name] = l
	return l
}

// GetLogsForNode 返回某个 Logger 最近的日志，未注册时返回全局日志
func GetLogsForNode(name string) []string {
	registryMu.RLock()
	l, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return std.GetLogs()
	}
	return l.GetLogs()
}

func (l *nodeLogger) Trace(format string, v ...interface{})   { l.log(LevelTrace, format, v...) }
func (l *nodeLogger) Debug(format string, v ...interface{})   { l.log(LevelDebug, format, v...) }
func (l *nodeLogger) Verbose(format string, v ...interface{}) { l.log(LevelVerbose, format, v...) }
func (l *nodeLogger) Info(format string, v ...interface{})    { l.log(LevelInfo, format, v...) }
func (l *nodeLogger) Warn(format string, v ...interface{})    { l.log(LevelWarning, format, v...) }
func (l *nodeLogger) Error(format string, v ...interface{})   { l.log(LevelError, format, v...) }

func (l *nodeLogger) GetLogs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.filled {
		return append([]string(nil), l.lines...)
	}
	out := make([]string, 0, l.capacity)
	out = append(out, l.lines[l.next:]...)
	out = append(out, l.lines[:l.next]...)
	return out
}

func (l *nodeLogger) log(level int, format string, v ...interface{}) {
	ce := base.Load().Check(zapLevels[level], "")
	if ce == nil {
		return
	}
	msg := fmt.Sprintf(format, v...)
	ce.Message = msg
	if l.name != "" {
		ce.Write(zap.String("node", l.name))
	} else {
		ce.Write()
	}
	l.remember(fmt.Sprintf("%s [%s] %s", time.Now().Format("15:04:05.000"), levelNames[level], msg))
}

func (l *nodeLogger) remember(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) < l.capacity {
		l.lines = append(l.lines, line)
		return
	}
	l.filled = true
	l.lines[l.next] = line
	l.next = (l.next + 1) % l.capacity
}

// 包级别的日志方法

func Trace(format string, v ...interface{})   { std.log(LevelTrace, format, v...) }
func Debug(format string, v ...interface{})   { std.log(LevelDebug, format, v...) }
func Verbose(format string, v ...interface{}) { std.log(LevelVerbose, format, v...) }
func Info(format string, v ...interface{})    { std.log(LevelInfo, format, v...) }
func Warn(format string, v ...interface{})    { std.log(LevelWarning, format, v...) }
func Error(format string, v ...interface{})   { std.log(LevelError, format, v...) }
