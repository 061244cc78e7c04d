package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/thermohygro/internal/defaults"
)

// runInit writes the annotated example configuration into dir. An
// existing config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ wrote %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - kept existing %s\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set WIFI_SSID, WIFI_PSK and MQTT_PASSWORD or edit config.yaml directly.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. The file can hold credentials, so it is private to the owner.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
