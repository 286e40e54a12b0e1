package util

import (
	"net"
	"strconv"
	"strings"
)

// LoopbackHost is where a worker calls back to its agent.
const LoopbackHost = "127.0.0.1"

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// LoopbackAddr returns "127.0.0.1:port".
func LoopbackAddr(port int) string {
	return FormatAddr(LoopbackHost, port)
}

// QuoteArgs renders a command line for log output, quoting arguments
// that contain spaces or quotes.
func QuoteArgs(args []string) string {
	out := make([]byte, 0, 64)
	for i, a := range args {
		if i > 0 {
			out = append(out, ' ')
		}
		if a == "" || strings.ContainsAny(a, " \t\"") {
			out = strconv.AppendQuote(out, a)
			continue
		}
		out = append(out, a...)
	}
	return string(out)
}
