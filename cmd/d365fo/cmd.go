// Copyright 2025 Microsoft Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/microsoft/d365fo-go/internal/database"
	"github.com/microsoft/d365fo-go/pkg/d365fo"
)

func NewRootCommand() *cobra.Command {
	opts := DefaultClientOptions()
	cmd := &cobra.Command{
		Use:           "d365fo",
		Short:         "Dynamics 365 Finance & Operations client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	opts.BindFlags(cmd)

	cmd.AddCommand(
		NewTestCommand(opts),
		NewSyncCommand(opts),
		NewSearchCommand(opts),
		NewVersionsCommand(opts),
		NewProfilesCommand(opts),
	)
	return cmd
}

// withClient runs fn with a connected client and closes it afterwards.
func withClient(opts *ClientOptions, ctx context.Context, fn func(context.Context, *d365fo.Client) error) error {
	client, err := opts.Client()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func NewTestCommand(opts *ClientOptions) *cobra.Command {
	var metadata bool
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Probe connectivity to the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd.Context(), func(ctx context.Context, c *d365fo.Client) error {
				if err := c.TestConnection(ctx); err != nil {
					return fmt.Errorf("odata endpoint: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "odata endpoint: ok")
				if metadata {
					if err := c.TestMetadataConnection(ctx); err != nil {
						return fmt.Errorf("metadata endpoint: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "metadata endpoint: ok")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&metadata, "metadata", false, "also probe the Metadata API")
	return cmd
}

func NewSyncCommand(opts *ClientOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Detect the environment version and sync metadata into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd.Context(), func(ctx context.Context, c *d365fo.Client) error {
				result, err := c.InitializeMetadata(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "global version: %d (new: %t)\n", result.GlobalVersionID, result.IsNewVersion)
				if result.MetadataReady {
					fmt.Fprintln(out, "metadata already complete, nothing to sync")
					return nil
				}
				fmt.Fprintf(out, "sync session %s started (strategy %s)\n", result.SyncSessionID, result.Strategy)
				if !wait {
					return nil
				}
				session, err := c.SyncManager().WaitForSession(ctx, result.SyncSessionID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sync %s\n", strings.ToLower(string(session.Status)))
				if session.Result != nil {
					fmt.Fprintf(out, "entities: %d, actions: %d, enumerations: %d, labels: %d\n",
						session.Result.EntityCount, session.Result.ActionCount,
						session.Result.EnumerationCount, session.Result.LabelCount)
				}
				if session.Error != "" {
					return fmt.Errorf("sync failed: %s", session.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the sync session to finish")
	return cmd
}

func NewSearchCommand(opts *ClientOptions) *cobra.Command {
	var (
		limit       int
		entityTypes []string
	)
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Full-text search over cached metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd.Context(), func(ctx context.Context, c *d365fo.Client) error {
				result, err := c.InitializeMetadata(ctx)
				if err != nil {
					return err
				}
				if !result.MetadataReady {
					if _, err := c.SyncManager().WaitForSession(ctx, result.SyncSessionID); err != nil {
						return err
					}
				}
				found, err := c.SearchMetadata(ctx, database.SearchQuery{
					Text:        args[0],
					EntityTypes: entityTypes,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range found.Results {
					fmt.Fprintf(out, "%-12s %s\n", r.EntityType, r.Name)
				}
				fmt.Fprintf(out, "%d of %d results (%dms)\n", len(found.Results), found.TotalCount, found.QueryTimeMS)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	cmd.Flags().StringSliceVar(&entityTypes, "type", nil, "restrict to entity types (data_entity, public_entity, enumeration, action, label)")
	return cmd
}

func NewVersionsCommand(opts *ClientOptions) *cobra.Command {
	var modules bool
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Show the environment's application and platform versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, cmd.Context(), func(ctx context.Context, c *d365fo.Client) error {
				info, err := c.GetVersionInfo(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "application:       %s\n", info.ApplicationVersion)
				fmt.Fprintf(out, "platform build:    %s\n", info.PlatformBuildVersion)
				fmt.Fprintf(out, "application build: %s\n", info.ApplicationBuildVersion)
				if modules {
					for _, m := range info.Modules {
						fmt.Fprintf(out, "%s %s (%s)\n", m.ModuleID, m.Version, m.Publisher)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&modules, "modules", false, "list installed modules")
	return cmd
}

func NewProfilesCommand(opts *ClientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			names, err := store.ListProfiles()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				p, err := store.GetProfile(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", name, p.BaseURL, p.Description)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-default <name>",
		Short: "Mark a profile as the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			return store.SetDefaultProfile(args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			return store.DeleteProfile(args[0])
		},
	})
	return cmd
}
