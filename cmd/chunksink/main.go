// Command chunksink is a development receiver for the forwarder. It accepts
// POSTed chunks in either wire protocol, logs a summary of each and answers
// 204. With -fail-every it answers 503 to every Nth request so retry
// behaviour can be exercised.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	failEvery := flag.Int("fail-every", 0, "Answer 503 to every Nth request (0 disables)")
	jsonLogs := flag.Bool("json", false, "Log as JSON")
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, nil)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)

	s := newSink(logger, *failEvery)

	logger.Info("Chunk sink starting",
		slog.String("address", *addr),
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/chunks", *addr)),
		slog.Int("fail_every", *failEvery),
	)

	if err := http.ListenAndServe(*addr, s.routes()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
