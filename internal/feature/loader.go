package feature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

// maxFileSize caps feature definition files.
const maxFileSize = 4 * 1024 * 1024

// File is the on-disk layout of a feature definition file.
type File struct {
	Features []Feature `json:"features" yaml:"features" toml:"features"`
}

// LoadFile reads feature definitions from a YAML, TOML or JSON file,
// chosen by extension.
func LoadFile(path string) ([]Feature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat feature file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, errs.NewValidation("features", "file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature file: %w", err)
	}
	return Parse(data, strings.ToLower(filepath.Ext(path)))
}

// Parse decodes feature definitions. ext is the file extension including
// the dot.
func Parse(data []byte, ext string) ([]Feature, error) {
	var file File
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return nil, errs.NewValidation("features", "parse yaml: %v", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return nil, errs.NewValidation("features", "parse toml: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errs.NewValidation("features", "unknown toml keys: %v", undecoded)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, errs.NewValidation("features", "parse json: %v", err)
		}
	default:
		return nil, errs.NewValidation("features", "unsupported file extension %q", ext)
	}

	features := make([]Feature, 0, len(file.Features))
	seen := make(map[string]bool, len(file.Features))
	for i, f := range file.Features {
		f = Normalize(f)
		if f.ID == "" {
			return nil, errs.NewValidation(fmt.Sprintf("features[%d].id", i), "id is required")
		}
		if seen[f.ID] {
			return nil, errs.NewValidation(fmt.Sprintf("features[%d].id", i), "duplicate id %q", f.ID)
		}
		if f.Contract != nil && len(f.Contract.Tests) == 0 {
			return nil, errs.NewValidation(fmt.Sprintf("features[%d].contract.tests", i), "contract declares no tests")
		}
		for j, v := range f.Validators {
			if v.Name == "" || v.Kind == "" {
				return nil, errs.NewValidation(fmt.Sprintf("features[%d].validators[%d]", i, j), "validator needs a name and a kind")
			}
		}
		seen[f.ID] = true
		features = append(features, f)
	}
	return features, nil
}

// ReleaseStale clears InProgress on every feature. It is called at start
// up, before anything is scheduled, when a claim can only be left over
// from a process that stopped mid run. The released ids are returned.
func ReleaseStale(ctx context.Context, s Store) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, f := range all {
		if !f.InProgress {
			continue
		}
		if err := s.Release(ctx, f.ID, Outcome{}); err != nil && !errs.IsConflict(err) {
			return released, fmt.Errorf("release feature %s: %w", f.ID, err)
		}
		released = append(released, f.ID)
	}
	return released, nil
}

// SyncResult summarizes a Sync call.
type SyncResult struct {
	Upserted []string
	Removed  []string
	// Kept lists features absent from the file that could not be removed
	// because they are in progress.
	Kept []string
}

// Sync makes the store match the file definitions: definitions are
// upserted (runtime flags preserved) and features no longer defined are
// removed unless they are in progress.
func Sync(ctx context.Context, s Store, defs []Feature) (SyncResult, error) {
	var res SyncResult
	defined := make(map[string]bool, len(defs))

	for _, f := range defs {
		if err := s.Upsert(ctx, f); err != nil {
			return res, fmt.Errorf("upsert feature %s: %w", f.ID, err)
		}
		defined[f.ID] = true
		res.Upserted = append(res.Upserted, f.ID)
	}

	existing, err := s.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list features: %w", err)
	}
	for _, f := range existing {
		if defined[f.ID] {
			continue
		}
		err := s.Delete(ctx, f.ID)
		switch {
		case err == nil:
			res.Removed = append(res.Removed, f.ID)
		case errs.IsConflict(err):
			res.Kept = append(res.Kept, f.ID)
		default:
			return res, fmt.Errorf("delete feature %s: %w", f.ID, err)
		}
	}
	return res, nil
}
