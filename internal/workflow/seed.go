package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Removals []Removal `yaml:"removals"`
}

// LoadSeed reads removal fixtures from a YAML file of the form
//
//	removals:
//	  - code: R-001
//	    pet_name: Bolt
//	    modality: individual-gold
//	    status: awaiting-junior-finance
func LoadSeed(path string) ([]Removal, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for i, r := range f.Removals {
		if r.Code == "" {
			return nil, fmt.Errorf("seed %s: removal #%d has no code", path, i+1)
		}
		if r.Status == "" {
			f.Removals[i].Status = StatusRequested
		}
	}
	return f.Removals, nil
}

// Seed inserts the removals store does not hold yet, so a persistent store can
// be seeded on every start. It stops at the first failure.
func Seed(ctx context.Context, store Store, removals []Removal) error {
	for _, r := range removals {
		_, err := store.Removal(ctx, r.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUnknownRemoval) {
			return fmt.Errorf("seed %q: %w", r.Code, err)
		}
		if err := store.Create(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
