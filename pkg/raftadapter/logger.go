package raftadapter

import (
	"fmt"
	"log/slog"
	"os"
)

// raftLogger routes etcd raft logging into slog.
type raftLogger struct{}

func (raftLogger) Debug(v ...interface{}) { slog.Debug(fmt.Sprint(v...), "component", "raft") }
func (raftLogger) Debugf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "raft")
}
func (raftLogger) Info(v ...interface{}) { slog.Info(fmt.Sprint(v...), "component", "raft") }
func (raftLogger) Infof(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), "component", "raft")
}
func (raftLogger) Warning(v ...interface{}) { slog.Warn(fmt.Sprint(v...), "component", "raft") }
func (raftLogger) Warningf(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...), "component", "raft")
}
func (raftLogger) Error(v ...interface{}) { slog.Error(fmt.Sprint(v...), "component", "raft") }
func (raftLogger) Errorf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "raft")
}

func (raftLogger) Fatal(v ...interface{}) {
	slog.Error(fmt.Sprint(v...), "component", "raft")
	os.Exit(1)
}

func (raftLogger) Fatalf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "raft")
	os.Exit(1)
}

func (raftLogger) Panic(v ...interface{}) { panic(fmt.Sprint(v...)) }
func (raftLogger) Panicf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}
