// Package authbundle loads an optional age-encrypted bundle of provider
// credentials from disk, feeding it into the same normalizer the core
// uses for directly-supplied credentials.
package authbundle

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/serverbox/serverbox"
)

// entry mirrors the wire shape of one bundle item.
type entry struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Env      string `yaml:"env"`
}

type document struct {
	Entries []entry `yaml:"entries"`
}

// Load decrypts bundlePath with the age identity at ageKeyPath and returns
// its entries as serverbox.ProviderAuth, ready to be merged ahead of
// directly-supplied entries in a call to serverbox.NormalizeProviderAuth.
func Load(bundlePath, ageKeyPath string) ([]serverbox.ProviderAuth, error) {
	if bundlePath == "" {
		return nil, nil
	}
	payload, err := decrypt(bundlePath, ageKeyPath)
	if err != nil {
		return nil, fmt.Errorf("authbundle: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("authbundle: parse %s: %w", bundlePath, err)
	}
	out := make([]serverbox.ProviderAuth, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		out = append(out, serverbox.ProviderAuth{Provider: e.Provider, APIKey: e.APIKey, Env: e.Env})
	}
	return out, nil
}

func decrypt(bundlePath, ageKeyPath string) ([]byte, error) {
	if strings.TrimSpace(ageKeyPath) == "" {
		return nil, errors.New("age key path is required to decrypt an auth bundle")
	}
	keyData, err := os.ReadFile(ageKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", ageKeyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", bundlePath, err)
	}
	defer file.Close()
	reader, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt bundle %s: %w", bundlePath, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", bundlePath, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found in key file")
	}
	return identities, nil
}
