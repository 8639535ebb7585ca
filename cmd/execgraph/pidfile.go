package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(execgraphDir(), 0o700); err != nil {
		logger.Warn("cannot create state dir", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", slog.String("error", err.Error()))
	}
}

func readPID() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// signalRunning delivers sig to the server named by the pid file when that
// process is still alive.
func signalRunning(sig syscall.Signal) (int, bool) {
	pid, ok := readPID()
	if !ok {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		return 0, false
	}
	if err := proc.Signal(sig); err != nil {
		return 0, false
	}
	return pid, true
}
