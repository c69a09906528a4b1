// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// This is the entry point for the logflow-node binary, wiring together
// the Sender, NodesConfiguration and AdminAPI layers into one process the
// way cmd/cockroach wires pkg/cli into a process.
package main

import (
	"context"
	"os"

	"github.com/cockroachdb/logflow/pkg/util/log"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		log.Fatalf(context.Background(), "%v", err)
	}
}
