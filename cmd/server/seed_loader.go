package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/radek-zitek-cloud/iam-core/internal/orchestrator"
)

// loadSeed reads a JSON-encoded SeedDocument from path, the demonstration
// server's equivalent of cmd/seed's in-process construction.
func loadSeed(path string) (*orchestrator.SeedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var doc orchestrator.SeedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal seed file: %w", err)
	}
	return &doc, nil
}
