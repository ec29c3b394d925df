package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"pkt.systems/allocd"
	"pkt.systems/allocd/api"
)

// manifest is the YAML shape of an app manifest file. One file, one app; no
// directory scanning.
type manifest struct {
	GUID   string `yaml:"guid"`
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Ranges []struct {
		From int64 `yaml:"from"`
		To   int64 `yaml:"to"`
	} `yaml:"ranges"`
	AuthKey string `yaml:"auth_key"`
	PoolID  string `yaml:"pool_id"`
}

func loadManifest(path string) (allocd.App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return allocd.App{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return allocd.App{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if strings.TrimSpace(m.GUID) == "" {
		return allocd.App{}, fmt.Errorf("manifest %s: guid required", path)
	}
	app := allocd.App{
		ID:      allocd.AppIDFromGUID(m.GUID),
		Name:    m.Name,
		Path:    m.Path,
		AuthKey: m.AuthKey,
		PoolID:  m.PoolID,
	}
	for _, r := range m.Ranges {
		app.Ranges = append(app.Ranges, api.Range{From: r.From, To: r.To})
	}
	if err := api.ValidateRanges(app.Ranges); err != nil {
		return allocd.App{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return app, nil
}
