package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

const pprofAddr = "localhost:6061"

// startPprof serves net/http/pprof on pprofAddr in the background.
func startPprof() {
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
