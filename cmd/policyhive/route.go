package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/policyhive/internal/apex"
)

var signingKey string

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Sign and verify apex route files",
	}
	cmd.PersistentFlags().StringVar(&signingKey, "key", "", "HMAC signing key (default: apex.signing_key from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "sign <file|->",
		Short: "Sign a route and print it with its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, key, err := loadRoute(cmd, args[0])
			if err != nil {
				return err
			}
			if err := route.Sign(key); err != nil {
				return fmt.Errorf("failed to sign route: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(route)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <file|->",
		Short: "Check a route's signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, key, err := loadRoute(cmd, args[0])
			if err != nil {
				return err
			}
			if err := route.Verify(key); err != nil {
				return fmt.Errorf("route %s: %w", route.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "route %s v%d: signature valid\n", route.ID, route.Version)
			return nil
		},
	})

	return cmd
}

func loadRoute(cmd *cobra.Command, path string) (apex.Route, []byte, error) {
	var route apex.Route

	key := signingKey
	if key == "" {
		cfg, err := loadConfig()
		if err != nil {
			return route, nil, err
		}
		if err := cfg.RequireSigningKey(); err != nil {
			return route, nil, err
		}
		key = cfg.Apex.SigningKey
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return route, nil, err
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(&route); err != nil {
		return route, nil, fmt.Errorf("failed to parse route: %w", err)
	}
	return route, []byte(key), nil
}
