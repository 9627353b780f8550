package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Credentials is what an approved agent persists between runs.
type Credentials struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Save stores the credentials to disk with 0600 permissions
func (c *Credentials) Save(path string) error {
	if c.AgentID == "" || c.Token == "" {
		return errors.New("credentials incomplete")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCredentials reads credentials from disk
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	if creds.Token == "" {
		return nil, errors.New("stored credentials missing token")
	}
	return &creds, nil
}
