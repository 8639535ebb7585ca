package main

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"
)

// version is stamped by the release build with -ldflags "-X main.version=...".
var version = ""

// buildVersion is the stamped version, else the module version recorded by
// go install, else "dev".
func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// liveHandler serves through whichever handler was stored last. SIGHUP
// stores a router rebuilt with or without the MCP endpoint.
type liveHandler struct {
	current atomic.Pointer[http.Handler]
}

func newLiveHandler(h http.Handler) *liveHandler {
	l := &liveHandler{}
	l.Store(h)
	return l
}

func (l *liveHandler) Store(h http.Handler) {
	l.current.Store(&h)
}

func (l *liveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*l.current.Load()).ServeHTTP(w, r)
}
