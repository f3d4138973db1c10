package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileCredentials is the on-disk shape of s3.credentials_path: a small JSON
// file kept off the vehicle's config repo so access keys are not checked in
// alongside the YAML configuration.
type fileCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// LoadCredentials reads the access key, secret key, and optional session
// token from the file at path.
func LoadCredentials(path string) (accessKeyID, secretAccessKey, sessionToken string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", "", fmt.Errorf("objectstore: read credentials %q: %w", path, err)
	}

	var creds fileCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", "", fmt.Errorf("objectstore: parse credentials %q: %w", path, err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return "", "", "", fmt.Errorf("objectstore: credentials file %q is missing access_key_id or secret_access_key", path)
	}
	return creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, nil
}
