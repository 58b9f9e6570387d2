package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof"
)

// pprofAddr is loopback-only; the profiler never shares the dashboard
// listener.
const pprofAddr = "localhost:6060"

func startPprof() {
	go func() {
		Logger().Info("pprof listening", slog.String("addr", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			Logger().Error("pprof server stopped", slog.String("error", err.Error()))
		}
	}()
}
