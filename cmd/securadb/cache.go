package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *cli) cacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the configured cache backend",
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Ping the cache backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				health := s.db.Cache().HealthCheck(ctx)
				if err := render(cmd.OutOrStdout(), c.format, health, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "BACKEND\t%s\n", health.Backend)
					fmt.Fprintf(tw, "HEALTHY\t%v\n", health.Healthy)
					fmt.Fprintf(tw, "LATENCY\t%s\n", health.Latency)
					if health.Error != "" {
						fmt.Fprintf(tw, "ERROR\t%s\n", health.Error)
					}
				}); err != nil {
					return err
				}
				if !health.Healthy {
					return fmt.Errorf("cache %s unhealthy: %s", health.Backend, health.Error)
				}
				return nil
			})
		},
	}

	var namespace string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached entries of one namespace, or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				var removed int
				if namespace != "" {
					removed = s.db.Cache().ClearNamespace(ctx, namespace)
				} else {
					removed = s.db.Cache().ClearAll(ctx)
				}
				view := map[string]interface{}{"backend": s.db.Cache().Backend(), "namespace": namespace, "removed": removed}
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "REMOVED\t%d\n", removed)
				})
			})
		},
	}
	clearCmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace (collection) to clear")

	cacheCmd.AddCommand(healthCmd, clearCmd)
	return cacheCmd
}
