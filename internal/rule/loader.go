package rule

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/fhirbridge/model"
)

// Loader scans directories for YAML rule set files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new rule Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and merges
// them into one rule set. The combined checksum covers every file.
func (l *Loader) LoadAll(directories []string) (model.RuleSet, error) {
	var (
		set           model.RuleSet
		checksumParts []string
		files         int
	)

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isRuleFile(path) {
				return nil
			}

			part, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			set.Merge(part)
			checksumParts = append(checksumParts, part.Checksum)
			files++
			return nil
		})
		if err != nil {
			return model.RuleSet{}, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.Strings(checksumParts)
	set.Checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))
	set.Source = fmt.Sprintf("%s (%d files)", strings.Join(directories, ","), files)
	return set, nil
}

// LoadFile loads and parses a single YAML rule set file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("reading %s: %w", path, err)
	}

	set, err := Parse(data)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	set.Source = path

	return set, nil
}

// Parse decodes a YAML rule set document and sets its checksum.
func Parse(data []byte) (model.RuleSet, error) {
	var set model.RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return model.RuleSet{}, err
	}
	set.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return set, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
