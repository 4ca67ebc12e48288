package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// printYAML renders a value to stdout as YAML, the output format shared by
// all report-producing commands.
func printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}
