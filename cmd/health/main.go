package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// health probes a running server's /readyz endpoint. Exit code 0 means
// ready, 1 not ready. Intended for container healthchecks.
func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "server base URL")
	timeout := flag.Duration("timeout", 2*time.Second, "probe timeout")
	flag.Parse()

	status, body, err := fasthttp.GetTimeout(nil, *addr+"/readyz", *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	if status != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "not ready: %d %s\n", status, body)
		os.Exit(1)
	}
	fmt.Printf("ready: %s\n", body)
}
