package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONFile decodes a request document from path, or stdin when path is "-".
func readJSONFile(cmd *cobra.Command, path string, v any) error {
	var dec *json.Decoder
	if path == "-" {
		dec = json.NewDecoder(cmd.InOrStdin())
	} else {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open request file: %w", err)
		}
		defer file.Close()
		dec = json.NewDecoder(file)
	}
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request %s: %w", path, err)
	}
	return nil
}
