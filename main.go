// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Chargescope - Battery Charger Telemetry Analyzer
//
// A CLI tool for acquiring charger measurements, grouping them into charge
// sessions and exporting the sessions.

package main

import (
	"os"

	"github.com/Thermoquad/chargescope/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
