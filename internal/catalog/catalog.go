// Package catalog holds the read-only Predefined Catalog (§3): the set
// of model abbreviations the Deployment Engine and Reconciler will
// accept, used to validate and enrich deploy requests.
package catalog

import "github.com/mind-orchestrator/mind/internal/model"

// Catalog is a lookup table from abbr to its catalog entry.
type Catalog struct {
	entries map[string]model.CatalogEntry
}

// New builds a Catalog from a fixed entry list.
func New(entries []model.CatalogEntry) *Catalog {
	m := make(map[string]model.CatalogEntry, len(entries))
	for _, e := range entries {
		m[e.Abbr] = e
	}
	return &Catalog{entries: m}
}

// Lookup returns the catalog entry for abbr, or ok=false if unknown.
func (c *Catalog) Lookup(abbr string) (model.CatalogEntry, bool) {
	e, ok := c.entries[abbr]
	return e, ok
}

// Default is a small built-in set of commonly deployed open-weight
// models, enough to exercise the orchestrator out of the box. Operators
// extend it by constructing their own Catalog with New.
func Default() *Catalog {
	return New([]model.CatalogEntry{
		{
			Abbr:              "qwen1.5b",
			Name:              "Qwen/Qwen2.5-1.5B-Instruct",
			Type:              model.ModelTypeLLM,
			Quantization:      model.QuantizationNone,
			MaxModelLen:       32768,
			RecommendedVRAMMB: 4096,
			ParamBytes:        1_500_000_000 * 2,
			Description:       "Qwen2.5 1.5B Instruct, bf16",
		},
		{
			Abbr:              "qwen7b-awq",
			Name:              "Qwen/Qwen2.5-7B-Instruct-AWQ",
			Type:              model.ModelTypeLLM,
			Quantization:      model.QuantizationAWQ,
			MaxModelLen:       32768,
			RecommendedVRAMMB: 6144,
			ParamBytes:        7_000_000_000,
			Description:       "Qwen2.5 7B Instruct, AWQ 4-bit",
		},
		{
			Abbr:              "llama3-8b",
			Name:              "meta-llama/Meta-Llama-3-8B-Instruct",
			Type:              model.ModelTypeLLM,
			Quantization:      model.QuantizationNone,
			MaxModelLen:       8192,
			RecommendedVRAMMB: 16384,
			ParamBytes:        8_000_000_000 * 2,
			Description:       "Llama 3 8B Instruct, bf16",
		},
		{
			Abbr:              "bge-small",
			Name:              "BAAI/bge-small-en-v1.5",
			Type:              model.ModelTypeEmbedding,
			Quantization:      model.QuantizationNone,
			MaxModelLen:       512,
			RecommendedVRAMMB: 1024,
			ParamBytes:        33_000_000 * 2,
			Description:       "BGE small English embedding model",
		},
	})
}
