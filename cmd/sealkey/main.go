// Command sealkey encrypts a Coinbase API secret so it can be deployed as a
// file instead of an environment variable. The password is read from
// ALERTBRIDGE_SECRET_PASSWORD, the same variable the service decrypts with.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/alanyoungcy/alertbridge/internal/crypto"
)

const passwordEnv = "ALERTBRIDGE_SECRET_PASSWORD"

func main() {
	in := flag.String("in", "-", "PEM secret to seal (- for stdin)")
	out := flag.String("out", "coinbase.sealed", "sealed output file")
	verify := flag.Bool("verify", false, "open -in with the password instead of sealing")
	flag.Parse()

	if err := run(*in, *out, *verify); err != nil {
		fmt.Fprintf(os.Stderr, "sealkey: %v\n", err)
		os.Exit(1)
	}
}

func run(in, out string, verify bool) error {
	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", passwordEnv)
	}

	data, err := readInput(in)
	if err != nil {
		return err
	}

	if verify {
		if _, err := crypto.OpenSecret(data, password); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty secret")
	}
	sealed, err := crypto.SealSecret(data, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("sealed secret written to %s\n", out)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
