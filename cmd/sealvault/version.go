package main

import "fmt"

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/sealvault/
var version = "dev"

func (a *app) printVersion() {
	fmt.Fprintln(a.out, version)
}
