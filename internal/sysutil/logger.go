package sysutil

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 进程级日志，各组件通过 Named 获取子 logger
var Log = zap.NewNop()
var LogSugar = Log.Sugar()

// LogOptions 日志配置
type LogOptions struct {
	Level    string // debug, info, warn, error
	Encoding string // console, json
}

func InitLogger(opts LogOptions) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder // 格式化时间输出

	var encoder zapcore.Encoder
	if opts.Encoding == "json" {
		// 生产模式：JSON 输出，方便收集
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(config.EncoderConfig)
	} else {
		// 开发模式：输出到控制台，带颜色和行号
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	Log = zap.New(core, zap.AddCaller())
	LogSugar = Log.Sugar()
	return nil
}
