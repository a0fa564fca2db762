package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/pkg/actuator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and actuator manifests",
	Long: `Load the configuration, report every problem found in it and validate
each actuator manifest in the manifest directory against the manifest schema.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	problems := config.NewValidator().ValidateConfig(cfg)
	manifests, manifestProblems := validateManifests(cfg.Actuators.ManifestDir)
	problems = append(problems, manifestProblems...)

	for _, p := range problems {
		fmt.Fprintf(out, "  - %v\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	}

	fmt.Fprintf(out, "Configuration OK: %d static actuator(s), %d manifest(s), backend %s\n",
		len(cfg.Actuators.Static), manifests, cfg.Cognition.Backend)
	return nil
}

// validateManifests loads every manifest in dir and reports the invalid ones.
func validateManifests(dir string) (int, []error) {
	if dir == "" {
		return 0, nil
	}
	loader := actuator.NewManifestLoader(zerolog.Nop())
	paths, err := actuator.ManifestPaths(dir)
	if err != nil {
		return 0, []error{err}
	}

	var errs []error
	valid := 0
	for _, path := range paths {
		if _, err := loader.Load(path); err != nil {
			errs = append(errs, fmt.Errorf("manifest %s: %w", path, err))
			continue
		}
		valid++
	}
	return valid, errs
}
