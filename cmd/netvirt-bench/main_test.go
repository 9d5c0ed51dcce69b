// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

// Test_main exercises the benchmark for a short duration.
func Test_main(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	config := []byte("engine:\n  mtu: 1500\nrules:\n  - pattern: \"192.0.2.66\"\n    action: block\n")
	if err := os.WriteFile(configFile, config, 0600); err != nil {
		t.Fatal(err)
	}
	args = []string{
		"netvirt-bench",
		"-config", configFile,
		"-duration", "500ms",
		"-flows", "2",
		"-pcap-file", filepath.Join(dir, "capture.pcap"),
	}
	output = io.Discard
	main()
}
