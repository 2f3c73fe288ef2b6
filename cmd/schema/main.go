// Command schema writes the JSON schema of the interest layout file, or
// checks a layout file against the loader's validation rules.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"netreplica/internal/config"
)

func main() {
	outPath := flag.String("out", "", "path to write the layout JSON schema (- for stdout)")
	checkPath := flag.String("check", "", "layout file to validate instead of writing the schema")
	flag.Parse()

	if err := run(*outPath, *checkPath, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(outPath, checkPath string, stdout io.Writer) error {
	switch {
	case checkPath != "":
		if _, err := config.LoadLayout(checkPath); err != nil {
			return fmt.Errorf("%s: %w", checkPath, err)
		}
		fmt.Fprintf(stdout, "%s: ok\n", checkPath)
		return nil
	case outPath == "":
		return fmt.Errorf("--out or --check is required")
	case outPath == "-":
		return encodeSchema(stdout)
	default:
		return replaceFile(outPath, encodeSchema)
	}
}

func encodeSchema(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config.LayoutSchema()); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}

// replaceFile writes through a temporary sibling so readers never observe a
// truncated schema.
func replaceFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp schema: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod schema: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
