package partition

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// manifest is the YAML alternative to the CSV input:
//
//	namespaces:
//	  - name: wifi
//	    entries:
//	      - key: ssid
//	        encoding: string
//	        value: mynet
//	      - key: retries
//	        encoding: u8
//	        value: "3"
//	      - key: cal
//	        encoding: base64
//	        file: cal.b64
type manifest struct {
	Namespaces []manifestNamespace `yaml:"namespaces"`
}

type manifestNamespace struct {
	Name    string          `yaml:"name"`
	Entries []manifestEntry `yaml:"entries"`
}

type manifestEntry struct {
	Key      string `yaml:"key"`
	Encoding string `yaml:"encoding"`
	Value    string `yaml:"value"`
	File     string `yaml:"file"`
}

// ParseYAML reads a YAML manifest. Entries with a file reference load their
// content from disk relative to baseDir, like CSV file rows.
func ParseYAML(r io.Reader, baseDir string) (*Partition, error) {
	var m manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	p := &Partition{}
	for _, ns := range m.Namespaces {
		if err := ValidateKey(ns.Name); err != nil {
			return nil, err
		}

		for _, entry := range ns.Entries {
			if err := ValidateKey(entry.Key); err != nil {
				return nil, err
			}

			var value Value
			var err error
			if entry.File != "" {
				value, err = fileValue(baseDir, entry.File, entry.Encoding)
			} else {
				value, err = parseValue(entry.Value, entry.Encoding)
			}
			if err != nil {
				return nil, fmt.Errorf("namespace %q key %q: %w", ns.Name, entry.Key, err)
			}

			p.Entries = append(p.Entries, Entry{Namespace: ns.Name, Key: entry.Key, Value: value})
		}
	}

	return p, nil
}
