// Command keygen creates signing key pairs for any supported algorithm.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-jose/go-jose/v3"

	"distauth/token"
)

func main() {
	alg := flag.String("alg", "RS256", "Signing algorithm ("+strings.Join(token.Algorithms(), ", ")+")")
	out := flag.String("out", "", "Directory for private.pem and public.pem; stdout when empty")
	format := flag.String("format", "pem", "Output format: 'pem' or 'jwks'")
	kid := flag.String("kid", "", "Key ID for jwks output")
	flag.Parse()

	if err := run(*alg, *format, *kid, *out, os.Stdout); err != nil {
		log.Fatalf("keygen: %v", err)
	}
}

func run(alg, format, kid, outDir string, stdout io.Writer) error {
	switch format {
	case "pem":
		pair, err := token.GenerateKeyPair(alg)
		if err != nil {
			return err
		}
		if outDir == "" {
			_, err := fmt.Fprint(stdout, pair.PrivateKeyPEM, pair.PublicKeyPEM)
			return err
		}
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outDir, "private.pem"), []byte(pair.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outDir, "public.pem"), []byte(pair.PublicKeyPEM), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		return nil
	case "jwks":
		key, err := token.GenerateKey(alg)
		if err != nil {
			return err
		}
		if kid == "" {
			kid = strings.ToLower(alg)
		}
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: key, KeyID: kid, Algorithm: alg, Use: "sig"}}}
		payload, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			return fmt.Errorf("encode jwks: %w", err)
		}
		if outDir == "" {
			_, err := fmt.Fprintln(stdout, string(payload))
			return err
		}
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		return os.WriteFile(filepath.Join(outDir, "signing-keys.json"), payload, 0o600)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
