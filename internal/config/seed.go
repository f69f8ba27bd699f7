package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/google/uuid"
	yamlv2 "gopkg.in/yaml.v2"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/entity"
)

// seedEntity is one bootstrap AuthorizedEntity, base64-encoded the way a
// human-edited seed file would carry key material (SPEC_FULL.md §3: a
// yaml.v2 seed file as a static alternative to live AUTH_ENTITY_ADD calls).
type seedEntity struct {
	ID         string `yaml:"id"`
	EncPubKey  string `yaml:"enc_pub_key"`
	SignPubKey string `yaml:"sign_pub_key"`
}

type seedFile struct {
	Entities []seedEntity `yaml:"entities"`
}

// LoadEntitySeed reads a bootstrap entity list and installs each one into
// table, skipping (and reporting via the returned count) any entity id
// already present.
func LoadEntitySeed(path string, table *entity.Table) (installed int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("config: reading entity seed %s: %w", path, err)
	}
	var sf seedFile
	if err := yamlv2.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("config: parsing entity seed %s: %w", path, err)
	}

	for _, se := range sf.Entities {
		id, err := uuid.Parse(se.ID)
		if err != nil {
			return installed, fmt.Errorf("config: entity seed: bad id %q: %w", se.ID, err)
		}
		encPub, err := base64.StdEncoding.DecodeString(se.EncPubKey)
		if err != nil || len(encPub) != cryptosuite.EncPubSize {
			return installed, fmt.Errorf("config: entity seed %s: bad enc_pub_key", se.ID)
		}
		signPubRaw, err := base64.StdEncoding.DecodeString(se.SignPubKey)
		if err != nil || len(signPubRaw) != cryptosuite.SignPubSize {
			return installed, fmt.Errorf("config: entity seed %s: bad sign_pub_key", se.ID)
		}

		if err := table.Add(id, encPub, ed25519.PublicKey(signPubRaw)); err != nil {
			continue // already present; insert-only table, not an error (spec.md §3)
		}
		installed++
	}
	return installed, nil
}
