// relayview is an interactive reverse proxy. It relays HTTP requests and
// WebSocket sessions to one upstream target and shows every connection in
// a live terminal view while it is in flight.
//
// Usage:
//
//	# Proxy :8080 to http://127.0.0.1:3000
//	relayview 3000
//
//	# Proxy :9000 to a remote origin
//	relayview --port 9000 https://api.example.com
//
//	# Record completed connections and expose metrics
//	relayview --history --admin localhost:9090 3000
//
//	# List recorded connections
//	relayview history --limit 20
package main

import (
	"errors"
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var ae *ActionableError
		if errors.As(err, &ae) {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, ae.Format())
			fmt.Fprintln(os.Stderr)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}
