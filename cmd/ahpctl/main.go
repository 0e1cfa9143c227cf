// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ahpctl solves, aggregates and submits AHP comparison matrices.
//
// # Usage
//
//	ahpctl solve matrix.yaml
//	ahpctl aggregate --method aip alice.yaml bob.yaml carol.yaml
//	ahpctl join --url ws://host:12300/v1/groups/<id>/ws --token <jwt> \
//	    --node root --matrix mine.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
