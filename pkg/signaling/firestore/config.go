package firestore

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"google.golang.org/api/option"
)

type credentials struct {
	Type                    string `json:"type"`
	ProjectID               string `json:"project_id"`
	PrivateKeyID            string `json:"private_key_id"`
	PrivateKey              string `json:"private_key"`
	ClientEmail             string `json:"client_email"`
	ClientID                string `json:"client_id"`
	AuthURI                 string `json:"auth_uri"`
	TokenURI                string `json:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url"`
	UniverseDomain          string `json:"universe_domain"`
}

// CredentialsFromEnv builds service account credentials from the FIREBASE_*
// environment variables. When FIRESTORE_EMULATOR_HOST is set no credentials
// are needed and option.WithoutAuthentication is returned.
func CredentialsFromEnv() (option.ClientOption, string, error) {
	projectID := os.Getenv("FIREBASE_PROJECT_ID")

	if os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		return option.WithoutAuthentication(), projectID, nil
	}

	config := credentials{
		Type:                    os.Getenv("FIREBASE_TYPE"),
		ProjectID:               projectID,
		PrivateKeyID:            os.Getenv("FIREBASE_PRIVATE_KEY_ID"),
		PrivateKey:              strings.ReplaceAll(os.Getenv("FIREBASE_PRIVATE_KEY"), "\\n", "\n"),
		ClientEmail:             os.Getenv("FIREBASE_CLIENT_EMAIL"),
		ClientID:                os.Getenv("FIREBASE_CLIENT_ID"),
		AuthURI:                 os.Getenv("FIREBASE_AUTH_URI"),
		TokenURI:                os.Getenv("FIREBASE_AUTH_TOKEN_URI"),
		AuthProviderX509CertURL: os.Getenv("FIREBASE_AUTH_PROVIDER_X509_CERT_URL"),
		ClientX509CertURL:       os.Getenv("FIREBASE_AUTH_CLIENT_X509_CERT_URL"),
		UniverseDomain:          os.Getenv("FIREBASE_UNIVERSE_DOMAIN"),
	}

	if config.ProjectID == "" || config.PrivateKey == "" || config.ClientEmail == "" {
		return nil, "", errors.New("firestore: FIREBASE_PROJECT_ID, FIREBASE_PRIVATE_KEY and FIREBASE_CLIENT_EMAIL must be set")
	}

	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, "", err
	}
	return option.WithCredentialsJSON(configBytes), config.ProjectID, nil
}
