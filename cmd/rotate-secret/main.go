// Command rotate-secret re-encrypts the credential file under a new key.
// The file is either fully rotated or left readable with the old key.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"esclbot/internal/config"
	"esclbot/internal/escl/credential"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "rotate-secret:", err)
		os.Exit(1)
	}
	fmt.Println("credential file rotated")
}

func run(args []string) error {
	fl := flag.NewFlagSet("rotate-secret", flag.ContinueOnError)
	cfgPath := fl.String("config", "", "config file to read data.credentials_path from")
	file := fl.String("file", "", "credential file (default: data.credentials_path or "+config.DefaultCredentialsPath+")")
	envPath := fl.String("env", ".env", "optional dotenv file")
	oldRaw := fl.String("old-key", "", "current key (default: $"+config.EnvSecretKey+")")
	newRaw := fl.String("new-key", "", "new key (base64, hex or 32 raw bytes)")
	if err := fl.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file: %w", err)
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		data := config.DataConfig{}
		if *cfgPath != "" {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			data = cfg.Data
		}
		path = data.CredentialsFile()
	}

	if strings.TrimSpace(*oldRaw) == "" {
		*oldRaw = os.Getenv(config.EnvSecretKey)
	}
	oldKey, err := credential.ParseKey(*oldRaw)
	if err != nil {
		return fmt.Errorf("old key: %w", err)
	}
	newKey, err := credential.ParseKey(*newRaw)
	if err != nil {
		return fmt.Errorf("new key: %w", err)
	}
	if bytes.Equal(oldKey, newKey) {
		return errors.New("old and new keys are identical")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return credential.RotateFile(ctx, path, oldKey, newKey)
}
