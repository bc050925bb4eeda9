// Command storyctl is a command-line client for a storyq server.
//
//	storyctl queue u1 high --trigger proximity --context '{"poi":"tower-bridge"}' --window 10m
//	storyctl next u1 --claim
//	storyctl deliver 01J... [--failed]
//	storyctl stats u1
//	storyctl history u1 --limit 20
//
// The server address and API key come from --server / --api-key or the
// STORYQ_SERVER / STORYQ_AUTH_API_KEY environment variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
