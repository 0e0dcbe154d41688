package main

import (
	"github.com/Paintersrp/sidecar/internal/cli"
	"github.com/Paintersrp/sidecar/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
