// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/GroupAHP/pkg/ahp"
)

// matrixFile is the on-disk form of one evaluator's judgments. A file may
// also hold a bare matrix, in which case the evaluator is named after the
// file. JSON is accepted as a YAML subset.
//
//	evaluator: alice
//	weight: 2
//	matrix:
//	  - [1, 3, 5]
//	  - [0.3333333, 1, 2]
//	  - [0.2, 0.5, 1]
type matrixFile struct {
	Evaluator string      `yaml:"evaluator"`
	Weight    float64     `yaml:"weight"`
	Matrix    [][]float64 `yaml:"matrix"`
}

// loadMatrix reads and validates a matrix file.
func loadMatrix(path string) (matrixFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return matrixFile{}, err
	}
	mf, err := parseMatrix(raw)
	if err != nil {
		return matrixFile{}, fmt.Errorf("%s: %w", path, err)
	}
	if mf.Evaluator == "" {
		mf.Evaluator = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return mf, nil
}

func parseMatrix(raw []byte) (matrixFile, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return matrixFile{}, fmt.Errorf("parse: %w", err)
	}
	if len(node.Content) == 0 {
		return matrixFile{}, fmt.Errorf("empty document")
	}

	var mf matrixFile
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&mf.Matrix); err != nil {
			return matrixFile{}, fmt.Errorf("decode matrix: %w", err)
		}
	case yaml.MappingNode:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&mf); err != nil {
			return matrixFile{}, fmt.Errorf("decode: %w", err)
		}
	default:
		return matrixFile{}, fmt.Errorf("expected a matrix or a mapping with a matrix key")
	}
	if mf.Weight < 0 {
		return matrixFile{}, fmt.Errorf("weight must be positive, got %v", mf.Weight)
	}
	if err := ahp.Matrix(mf.Matrix).Validate(); err != nil {
		return matrixFile{}, err
	}
	return mf, nil
}
