// Package main is the single-binary entrypoint for epgd.
package main

import "github.com/tlejmi/fastocloud-epg/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
