package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"funnelsync/api/internal/app"
	"funnelsync/api/internal/approval"
	"funnelsync/api/internal/config"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/export"
	"funnelsync/api/internal/store"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "funnelctl",
		Usage: "Operate the funnel content store from the command line",
		Description: "Connection settings come from the same environment variables as the API " +
			"(DATABASE_URL, CONTENT_STORE, REDIS_URL, PLATFORM_BASE_URL, ...).",
		Commands: []*cli.Command{
			migrateCmd(),
			reconcileCmd(),
			flattenCmd(),
			approvalsCmd(),
			approveCmd(),
			pushCmd(),
			upgradeCmd(),
			releaseCmd(),
			reindexCmd(),
			exportCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withService wires the full service for one command.
func withService(ctx context.Context, fn func(*app.Service) error) error {
	runtime, err := app.Bootstrap(ctx, config.Load())
	if err != nil {
		return err
	}
	defer runtime.Close()
	return fn(runtime.Service)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func projectSectionArgs(cmd *cli.Command) (string, string, error) {
	projectID, sectionID := cmd.Args().Get(0), cmd.Args().Get(1)
	if projectID == "" || sectionID == "" {
		return "", "", fmt.Errorf("project and section arguments are required")
	}
	return projectID, sectionID, nil
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending SQL migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Migrations directory (default FUNNELSYNC_MIGRATIONS_DIR)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load()
			dir := cmd.String("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			db, err := store.Open(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(ctx, db, os.DirFS(dir)); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func reconcileCmd() *cli.Command {
	return &cli.Command{
		Name:      "reconcile",
		Usage:     "Fold current fields back into the section document",
		ArgsUsage: "<project> <section>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, sectionID, err := projectSectionArgs(cmd)
			if err != nil {
				return err
			}
			return withService(ctx, func(svc *app.Service) error {
				result, err := svc.Reconcile(ctx, projectID, sectionID)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func flattenCmd() *cli.Command {
	return &cli.Command{
		Name:      "flatten",
		Usage:     "Overwrite section fields from a nested JSON snapshot",
		ArgsUsage: "<project> <section>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "JSON snapshot to read (defaults to the stored document)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, sectionID, err := projectSectionArgs(cmd)
			if err != nil {
				return err
			}
			var doc content.Record
			if path := cmd.String("file"); path != "" {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read snapshot: %w", err)
				}
				decoded, ok := content.DecodeDocument(raw)
				if !ok {
					return fmt.Errorf("snapshot %s is not a JSON object", path)
				}
				doc = decoded
			}
			return withService(ctx, func(svc *app.Service) error {
				if doc == nil {
					stored, err := svc.Document(ctx, projectID, sectionID)
					if err != nil {
						return err
					}
					doc = stored.Content
				}
				result, err := svc.FlattenSection(ctx, projectID, sectionID, doc)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func approvalsCmd() *cli.Command {
	return &cli.Command{
		Name:      "approvals",
		Usage:     "Show approved sections per phase",
		ArgsUsage: "<project>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID := cmd.Args().First()
			if projectID == "" {
				return fmt.Errorf("project argument is required")
			}
			return withService(ctx, func(svc *app.Service) error {
				approvals, err := svc.GetApprovals(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(approvals)
			})
		},
	}
}

func approveCmd() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve, unapprove or reset sections",
		ArgsUsage: "<project>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "section", Usage: "Section to approve (repeatable)"},
			&cli.StringSliceFlag{Name: "unapprove", Usage: "Section to move back to generated (repeatable)"},
			&cli.StringSliceFlag{Name: "reset", Usage: "Reset only these sections to generated (repeatable)"},
			&cli.IntSliceFlag{Name: "unlock-phase", Usage: "Phase to unlock (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID := cmd.Args().First()
			if projectID == "" {
				return fmt.Errorf("project argument is required")
			}
			return withService(ctx, func(svc *app.Service) error {
				req := approval.Request{ResetSections: cmd.StringSlice("reset")}
				for _, phase := range cmd.IntSlice("unlock-phase") {
					req.UnlockPhases = append(req.UnlockPhases, int(phase))
				}
				if len(req.ResetSections) == 0 {
					current, err := svc.GetApprovals(ctx, projectID)
					if err != nil {
						return err
					}
					req.Approved = mergeApprovals(svc, current.Approved, cmd.StringSlice("section"), cmd.StringSlice("unapprove"))
				}
				result, err := svc.SetApprovals(ctx, projectID, req)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

// mergeApprovals applies additions and removals to the current approvals, since
// SetApprovals replaces the whole approved set.
func mergeApprovals(svc *app.Service, current map[int][]string, add, remove []string) map[int][]string {
	removed := make(map[string]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	out := make(map[int][]string, len(current))
	seen := make(map[string]bool)
	for phase, ids := range current {
		for _, id := range ids {
			if !removed[id] && !seen[id] {
				out[phase] = append(out[phase], id)
				seen[id] = true
			}
		}
	}
	for _, id := range add {
		if removed[id] || seen[id] {
			continue
		}
		phase := svc.Catalog().PhaseOf(id)
		if phase == 0 {
			phase = 1
		}
		out[phase] = append(out[phase], id)
		seen[id] = true
	}
	return out
}

func pushCmd() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Push an approved section to the external platform",
		ArgsUsage: "<project> <section>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, sectionID, err := projectSectionArgs(cmd)
			if err != nil {
				return err
			}
			return withService(ctx, func(svc *app.Service) error {
				result, err := svc.PushSection(ctx, projectID, sectionID)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				if err == nil && !result.Success {
					return fmt.Errorf("push failed: %s", result.Error)
				}
				return err
			})
		},
	}
}

func upgradeCmd() *cli.Command {
	return &cli.Command{
		Name:      "upgrade",
		Usage:     "Rewrite a section document into the newest content shape",
		ArgsUsage: "<project> <section>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, sectionID, err := projectSectionArgs(cmd)
			if err != nil {
				return err
			}
			return withService(ctx, func(svc *app.Service) error {
				result, err := svc.UpgradeSection(ctx, projectID, sectionID)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func releaseCmd() *cli.Command {
	return &cli.Command{
		Name:      "release-generating",
		Usage:     "Return a section stuck in generating to generated",
		ArgsUsage: "<project> <section>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID, sectionID, err := projectSectionArgs(cmd)
			if err != nil {
				return err
			}
			return withService(ctx, func(svc *app.Service) error {
				released, err := svc.ReleaseGenerating(ctx, projectID, sectionID)
				if err != nil {
					return err
				}
				if released {
					fmt.Printf("%s released\n", sectionID)
				} else {
					fmt.Printf("%s was not generating\n", sectionID)
				}
				return nil
			})
		},
	}
}

func reindexCmd() *cli.Command {
	return &cli.Command{
		Name:      "reindex",
		Usage:     "Push every current field of a project to the search index",
		ArgsUsage: "<project>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID := cmd.Args().First()
			if projectID == "" {
				return fmt.Errorf("project argument is required")
			}
			return withService(ctx, func(svc *app.Service) error {
				count, err := svc.ReindexProject(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("indexed %d field(s)\n", count)
				return nil
			})
		},
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Render approved sections to HTML or PDF",
		ArgsUsage: "<project>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "html", Usage: "html or pdf"},
			&cli.StringFlag{Name: "title", Usage: "Document title"},
			&cli.StringFlag{Name: "out", Usage: "Output file (defaults to the generated filename)"},
			&cli.BoolFlag{Name: "include-unapproved", Usage: "Export generated sections too"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			projectID := cmd.Args().First()
			if projectID == "" {
				return fmt.Errorf("project argument is required")
			}
			format, err := export.ParseFormat(cmd.String("format"))
			if err != nil {
				return err
			}
			return withService(ctx, func(svc *app.Service) error {
				result, err := svc.Export(ctx, export.Request{
					ProjectID:         projectID,
					Title:             cmd.String("title"),
					Format:            format,
					IncludeUnapproved: cmd.Bool("include-unapproved"),
				})
				if err != nil {
					return err
				}
				out := cmd.String("out")
				if out == "" {
					out = result.Filename
				}
				if err := os.WriteFile(out, result.Data, 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Printf("wrote %s (%d sections)\n", out, len(result.Sections))
				if result.Archived != nil {
					fmt.Printf("archived as %s\n", result.Archived.Key)
				}
				return nil
			})
		},
	}
}
