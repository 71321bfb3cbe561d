package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/heitortanoue/slidesync/pkg/schema"
)

// templatesKey is the table holding one sub-table per template:
//
//	[templates.scriptable-media]
//	authoritative = [{ key = "position", epsilon = 0.001 }, { key = "pinnable" }]
//	predicted = [{ key = "slide-counter.index" }]
const templatesKey = "templates"

type propertyEntry struct {
	Key     string  `mapstructure:"key"`
	Epsilon float64 `mapstructure:"epsilon"`
}

type templateEntry struct {
	Authoritative []propertyEntry `mapstructure:"authoritative"`
	Predicted     []propertyEntry `mapstructure:"predicted"`
}

func toProperties(entries []propertyEntry) ([]schema.Property, error) {
	props := make([]schema.Property, 0, len(entries))
	for _, e := range entries {
		p, err := schema.ParseKey(e.Key)
		if err != nil {
			return nil, err
		}
		p.Epsilon = e.Epsilon
		props = append(props, p)
	}
	return props, nil
}

// LoadTemplates builds the schema registry. An empty path registers the
// built-in slideshow template only. A file template with the built-in name
// replaces it.
func LoadTemplates(path string) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if err := reg.RegisterDefault(); err != nil {
		return nil, err
	}
	if path == "" {
		return reg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var entries map[string]templateEntry
	if err := v.UnmarshalKey(templatesKey, &entries); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for name, entry := range entries {
		authoritative, err := toProperties(entry.Authoritative)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		predicted, err := toProperties(entry.Predicted)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
		if err := reg.Register(name, authoritative, predicted); err != nil {
			return nil, fmt.Errorf("template %s: %w", name, err)
		}
	}
	return reg, nil
}
