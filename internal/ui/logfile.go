package ui

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// OpenLogFile returns a size-rotated writer for the --log-file JSON log.
func OpenLogFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
}
