// genkey prepares credentials for a Storyteller deployment.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey                 # write data/jwt_{private,public}.pem
//	go run ./scripts/genkey -operator pm-1 -role project-manager -access intervener
//
// Key files are written with mode 0600 and never overwritten. With -operator,
// a fresh API key is generated and printed together with the
// STORYTELLER_OPERATORS entry that holds its argon2id hash.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
)

func main() {
	dir := flag.String("dir", "data", "directory for the JWT key pair")
	operator := flag.String("operator", "", "operator id to mint an API key for (skips key pair generation)")
	role := flag.String("role", "project-manager", "role name recorded for the operator")
	access := flag.String("access", string(model.AccessIntervener), "access level: reader, voter, intervener or admin")
	flag.Parse()

	var err error
	if *operator != "" {
		err = mintOperator(*operator, *role, *access)
	} else {
		err = writeKeyPair(*dir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func writeKeyPair(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("Wrote %s and %s\n\n", privPath, pubPath)
	fmt.Printf("STORYTELLER_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("STORYTELLER_JWT_PUBLIC_KEY=%s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	encErr := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
	closeErr := f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func mintOperator(id, role, accessFlag string) error {
	access, err := model.ParseAccessLevel(accessFlag)
	if err != nil {
		return err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	apiKey := "st_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}

	fmt.Printf("API key for %s (shown once):\n  %s\n\n", id, apiKey)
	fmt.Printf("Add to STORYTELLER_OPERATORS (comma-separated):\n  %s:%s:%s:%s\n", id, role, access, hash)
	return nil
}
