// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/i18n"
	"github.com/toeirei/vdimaster/internal/model"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and their session policies",
	}
	cmd.AddCommand(tenantListCmd)
	cmd.AddCommand(newTenantAddCmd())
	cmd.AddCommand(newTenantPolicyCmd())
	cmd.AddCommand(tenantCatalogCmd)
	return cmd
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	Run: func(cmd *cobra.Command, args []string) {
		tenants, err := db.Get().GetAllTenants()
		if err != nil {
			log.Fatalf("tenant list: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tNAME\tDATACENTER\tIDLE (MIN)\tMAX (H)\tACTIVE")
		for _, t := range tenants {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\n",
				t.Slug, t.Name, t.Datacenter,
				t.SuspendThresholdMinutes, t.MaxSessionHours, t.IsActive)
		}
		_ = w.Flush()
	},
}

func newTenantAddCmd() *cobra.Command {
	var (
		name           string
		apiURL         string
		clientID       string
		datacenter     string
		defaultNetwork string
		idleMinutes    int
		maxHours       int
	)
	cmd := &cobra.Command{
		Use:   "add <slug>",
		Short: "Add a tenant",
		Long: `Adds a tenant. The provider API secret is read interactively and stored
sealed; leave the prompt empty to use the process-wide provider
credentials from the configuration file instead.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			slug := args[0]
			t := model.Tenant{
				Name:                    name,
				Slug:                    slug,
				APIURL:                  apiURL,
				ClientID:                clientID,
				Datacenter:              datacenter,
				DefaultNetwork:          defaultNetwork,
				SuspendThresholdMinutes: idleMinutes,
				MaxSessionHours:         maxHours,
				IsActive:                true,
			}
			if t.Name == "" {
				t.Name = slug
			}

			if clientID != "" {
				plaintext, err := promptSecret(i18n.T("prompt.provider_secret"))
				if err != nil {
					log.Fatalf("tenant add: %v", err)
				}
				if plaintext != "" {
					sealer, err := newSealer()
					if err != nil {
						log.Fatalf("tenant add: %v", err)
					}
					sealed, err := sealer.Seal(plaintext)
					if err != nil {
						log.Fatalf("tenant add: %v", err)
					}
					t.SecretSealed = sealed
				}
			}

			added, err := db.Get().AddTenant(t)
			if err != nil {
				log.Fatalf("tenant add: %v", err)
			}
			fmt.Printf(i18n.T("tenant.added")+"\n", added.Slug)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the slug)")
	cmd.Flags().StringVar(&apiURL, "api-url", "", "provider API endpoint for this tenant")
	cmd.Flags().StringVar(&clientID, "client-id", "", "provider API client id for this tenant")
	cmd.Flags().StringVar(&datacenter, "datacenter", "", "provider datacenter for new desktops")
	cmd.Flags().StringVar(&defaultNetwork, "network", "", "default private network for new desktops")
	cmd.Flags().IntVar(&idleMinutes, "idle-minutes", 30, "idle minutes before a session is evicted")
	cmd.Flags().IntVar(&maxHours, "max-hours", 10, "hard cap on session duration in hours")
	return cmd
}

func newTenantPolicyCmd() *cobra.Command {
	var (
		idleMinutes int
		maxHours    int
	)
	cmd := &cobra.Command{
		Use:   "policy <slug>",
		Short: "Update a tenant's eviction policy",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			t := mustTenant(args[0])
			if !cmd.Flags().Changed("idle-minutes") {
				idleMinutes = t.SuspendThresholdMinutes
			}
			if !cmd.Flags().Changed("max-hours") {
				maxHours = t.MaxSessionHours
			}
			if err := db.Get().UpdateTenantPolicy(t.ID, idleMinutes, maxHours); err != nil {
				log.Fatalf("tenant policy: %v", err)
			}
			fmt.Printf(i18n.T("tenant.policy_updated")+"\n", t.Slug)
		},
	}
	cmd.Flags().IntVar(&idleMinutes, "idle-minutes", 0, "idle minutes before a session is evicted")
	cmd.Flags().IntVar(&maxHours, "max-hours", 0, "hard cap on session duration in hours")
	return cmd
}

// tenantCatalogCmd lists what the provider offers in the tenant's datacenter.
var tenantCatalogCmd = &cobra.Command{
	Use:   "catalog <slug>",
	Short: "Show provider images, networks and datacenters for a tenant",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		t := mustTenant(args[0])
		api, err := providerClientFor(optionalSealer(), t)
		if err != nil {
			log.Fatalf("tenant catalog: %v", err)
		}
		ctx := context.Background()

		datacenters, err := api.ListDatacenters(ctx)
		if err != nil {
			log.Fatalf("tenant catalog: %v", err)
		}
		fmt.Println("Datacenters:")
		for _, dc := range datacenters {
			marker := " "
			if dc.ID == t.Datacenter {
				marker = "*"
			}
			fmt.Printf("  %s %-8s %s\n", marker, dc.ID, dc.Name)
		}

		images, err := api.ListImages(ctx, t.Datacenter)
		if err != nil {
			log.Fatalf("tenant catalog: %v", err)
		}
		fmt.Println("Images:")
		for _, img := range images {
			fmt.Printf("    %-40s %s (%d GB)\n", img.ID, img.Description, img.SizeGB)
		}

		networks, err := api.ListNetworks(ctx, t.Datacenter)
		if err != nil {
			log.Fatalf("tenant catalog: %v", err)
		}
		fmt.Println("Networks:")
		for _, n := range networks {
			fmt.Printf("    %s\n", n.Name)
		}
	},
}

// mustTenant resolves a slug or exits with the not-found message.
func mustTenant(slug string) model.Tenant {
	t, err := db.Get().GetTenantBySlug(slug)
	if err != nil {
		log.Fatalf("tenant lookup: %v", err)
	}
	if t == nil {
		log.Fatalf(i18n.T("tenant.error_not_found"), slug)
	}
	return *t
}
