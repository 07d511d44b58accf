package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// findFiles returns the absolute paths of the config files at path in
// lexical order. A file named directly is always used; files found in a
// directory, at any depth, only when they end in .yaml or .yml.
func findFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil, nil
		}

		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}
	return files, nil
}
