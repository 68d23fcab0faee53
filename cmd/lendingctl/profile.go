package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	defaultPassEnv  = "LENDINGCTL_PASS"
	profileFileName = ".lendingctl.toml"
)

// profile holds the defaults read from ~/.lendingctl.toml. Flags override it.
type profile struct {
	Endpoint string `toml:"Endpoint"`
	Token    string `toml:"Token"`
	Keystore string `toml:"Keystore"`
	PassEnv  string `toml:"PassEnv"`
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return profileFileName
	}
	return filepath.Join(home, profileFileName)
}

// loadProfile reads path. A missing file yields the defaults.
func loadProfile(path string) (profile, error) {
	p := profile{Endpoint: defaultEndpoint, PassEnv: defaultPassEnv}
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return p, fmt.Errorf("failed to read profile: %w", err)
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		p.Endpoint = defaultEndpoint
	}
	if strings.TrimSpace(p.PassEnv) == "" {
		p.PassEnv = defaultPassEnv
	}
	return p, nil
}

func writeProfile(path string, p profile) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(p)
}
