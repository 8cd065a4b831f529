package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// LoadRepository loads every model in dir. A model is a directory holding a
// config.json whose "backend" field names a registered backend. Each numeric
// subdirectory is a version; a model without one is loaded as version 1.
// version_policy {"latest": {"num_versions": n}} keeps only the n highest
// versions. instance_group[0].count sets the number of instances.
func (e *Engine) LoadRepository(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read model repository: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modelDir := filepath.Join(dir, entry.Name())
		config, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("model %s: %w", entry.Name(), err)
		}
		if !gjson.ValidBytes(config) {
			return fmt.Errorf("model %s: config.json is not valid JSON", entry.Name())
		}

		name := gjson.GetBytes(config, "name").String()
		if name == "" {
			name = entry.Name()
		}
		backendName := gjson.GetBytes(config, "backend").String()
		if backendName == "" {
			return fmt.Errorf("model %s: config.json does not name a backend", name)
		}
		instances := int(gjson.GetBytes(config, "instance_group.0.count").Int())

		versions, err := modelVersions(modelDir)
		if err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
		if n := gjson.GetBytes(config, "version_policy.latest.num_versions").Int(); n > 0 && int(n) < len(versions) {
			versions = versions[len(versions)-int(n):]
		}

		for _, v := range versions {
			if err := e.LoadModel(name, v, backendName, modelDir, config, instances); err != nil {
				return err
			}
		}
	}
	return nil
}

func modelVersions(modelDir string) ([]int64, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, err
	}
	var versions []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if v, err := strconv.ParseInt(entry.Name(), 10, 64); err == nil && v > 0 {
			versions = append(versions, v)
		}
	}
	if len(versions) == 0 {
		return []int64{1}, nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
