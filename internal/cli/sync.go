package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type syncResult struct {
	TenantID        string     `json:"tenant_id"`
	CustomerRef     string     `json:"customer_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	Status          string     `json:"status"`
	PlanTier        string     `json:"plan_tier"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var tenants []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh tenant entitlements from Stripe",
		Long: "Fetches each tenant's subscription from Stripe and applies it as if a\n" +
			"webhook had arrived. Use it to repair drift after missed deliveries.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(tenants) == 0 {
				return errors.New("at least one --tenant is required")
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var failed []string
			for _, tenantID := range tenants {
				tenantID = strings.TrimSpace(tenantID)
				ent, err := a.provider.SyncTenant(cmd.Context(), tenantID)
				if err != nil {
					logger.Error().Err(err).Str("tenant_id", tenantID).Msg("sync failed")
					failed = append(failed, tenantID)
					continue
				}
				if err := enc.Encode(syncResult{
					TenantID:        ent.TenantID,
					CustomerRef:     ent.CustomerRef,
					SubscriptionRef: ent.SubscriptionRef,
					Status:          string(ent.Status),
					PlanTier:        string(ent.PlanTier),
					PeriodEnd:       ent.PeriodEnd,
				}); err != nil {
					return err
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("sync failed for %d tenant(s): %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenant id to sync (repeatable)")
	return cmd
}
