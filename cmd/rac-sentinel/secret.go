package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/EternisAI/rac-sentinel/internal/secret"
)

// runProtect prints a protected token for a plaintext value given as the
// first argument or on stdin.
func runProtect(args []string) error {
	fs := flag.NewFlagSet("protect", flag.ExitOnError)
	keyFile := fs.String("key-file", defaultKeyFile, "Path to the agent's secret key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plaintext := fs.Arg(0)
	if plaintext == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read value from stdin: %w", err)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	if plaintext == "" {
		return fmt.Errorf("value to protect is required")
	}

	key, err := secret.LoadOrCreateKey(*keyFile)
	if err != nil {
		return err
	}
	token, err := key.Protect(plaintext)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
