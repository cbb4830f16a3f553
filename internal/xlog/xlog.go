// Package xlog 提供按模块打标签的分级日志，底层使用 logrus，文件输出由 lumberjack 轮转。
package xlog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志级别，数值越大越详细
const (
	LevelError = iota + 1
	LevelWarn
	LevelInfo
	LevelDebug
)

type options struct {
	file       string
	maxSize    int
	maxAge     int
	maxBackups int
	level      int
	json       bool
	out        io.Writer
}

// Option 日志配置项
type Option func(*options)

// WithLogFile 输出到文件（按大小轮转）
func WithLogFile(path string) Option { return func(o *options) { o.file = path } }

// WithMaxSize 单个日志文件最大MB
func WithMaxSize(mb int) Option { return func(o *options) { o.maxSize = mb } }

// WithMaxAge 日志保留天数
func WithMaxAge(days int) Option { return func(o *options) { o.maxAge = days } }

// WithMaxBackups 保留的历史文件数
func WithMaxBackups(n int) Option { return func(o *options) { o.maxBackups = n } }

// WithLevel 设置日志级别，见 LevelError..LevelDebug
func WithLevel(level int) Option { return func(o *options) { o.level = level } }

// WithJSON 使用JSON格式输出
func WithJSON(enabled bool) Option { return func(o *options) { o.json = enabled } }

// WithWriter 直接指定输出，测试时使用
func WithWriter(w io.Writer) Option { return func(o *options) { o.out = w } }

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// New 按配置项创建logger
func New(opts ...Option) *logrus.Logger {
	o := &options{maxSize: 100, maxAge: 3, maxBackups: 3, level: LevelInfo}
	for _, opt := range opts {
		opt(o)
	}

	l := logrus.New()
	switch {
	case o.out != nil:
		l.SetOutput(o.out)
	case o.file != "":
		l.SetOutput(&lumberjack.Logger{
			Filename:   o.file,
			MaxSize:    o.maxSize,
			MaxAge:     o.maxAge,
			MaxBackups: o.maxBackups,
			Compress:   true,
		})
	default:
		l.SetOutput(os.Stderr)
	}

	if o.json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetLevel(toLogrusLevel(o.level))
	return l
}

// Init 替换全局logger
func Init(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Logger 返回全局logger
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func toLogrusLevel(level int) logrus.Level {
	switch {
	case level <= LevelError:
		return logrus.ErrorLevel
	case level == LevelWarn:
		return logrus.WarnLevel
	case level == LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// ParseLevel 将配置中的字符串级别转换为数值级别，未知值按info处理
func ParseLevel(s string) int {
	lv, err := logrus.ParseLevel(s)
	if err != nil {
		return LevelInfo
	}
	switch {
	case lv <= logrus.ErrorLevel:
		return LevelError
	case lv == logrus.WarnLevel:
		return LevelWarn
	case lv == logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func entry(module string) *logrus.Entry {
	return Logger().WithField("module", module)
}

func Debugf(module, format string, args ...interface{}) { entry(module).Debugf(format, args...) }
func Infof(module, format string, args ...interface{})  { entry(module).Infof(format, args...) }
func Warnf(module, format string, args ...interface{})  { entry(module).Warnf(format, args...) }
func Errorf(module, format string, args ...interface{}) { entry(module).Errorf(format, args...) }
