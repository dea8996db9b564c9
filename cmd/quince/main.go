// Command quince is a minimal QUIC client/server for interop testing,
// exercising the quic and quic/transport packages end to end (spec.md §6).
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "client":
		err = clientCommand(os.Args[2:])
	case "server":
		err = serverCommand(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "quince: "+err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: quince <client|server> [options] <address>")
}
