package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codeforge/internal/config"
	"codeforge/internal/db"
	"codeforge/internal/domain"
	"codeforge/internal/engine"
	"codeforge/internal/ingest"
	"codeforge/internal/migrate"
	"codeforge/internal/repo"
	"codeforge/internal/secrets"
	"codeforge/internal/server"
	"codeforge/internal/vcs"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "CodeForge CLI",
	Long: `CodeForge ingests customer codebases and runs supervised transformations.
Core concepts:
- Workspace: the .codeforge directory holding the database and working copies.
- Codebase: a customer's logical system; it owns repositories, analyses and transformations.
- Repository: one connected remote (GitHub, GitLab, Bitbucket, Azure DevOps or generic git).
- Ingestion: clone + scan; classifies files by language and rolls totals up to the codebase.
- Transformation: a change workflow (refactor, migrate, security_fix, ...) that moves
  draft -> pending_approval -> approved -> queued -> running -> completed, with pause,
  cancel, fail and rollback along the way. Oversight level decides how much human
  review each type needs; autonomous transformations may skip approval entirely.
- Event log: append-only journal of everything, view with 'cf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CODEFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("codebase", "", "codebase id (overrides CODEFORGE_DEFAULT_CODEBASE)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("codebase", rootCmd.PersistentFlags().Lookup("codebase"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(codebaseCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(transformCmd())
	rootCmd.AddCommand(analysisCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default codeforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if id == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				id = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id (defaults to directory name)")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func codebaseCmd() *cobra.Command {
	cb := &cobra.Command{
		Use:   "codebase",
		Short: "Manage codebases",
	}
	cb.AddCommand(codebaseCreateCmd())
	cb.AddCommand(codebaseListCmd())
	cb.AddCommand(codebaseShowCmd())
	cb.AddCommand(codebaseUpdateCmd())
	cb.AddCommand(codebaseDeleteCmd())
	cb.AddCommand(codebaseIngestCmd())
	cb.AddCommand(codebaseUseCmd())
	return cb
}

func codebaseCreateCmd() *cobra.Command {
	var tenant, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCodebase(ctx, engine.CodebaseCreateOptions{
					TenantID:    tenant,
					Name:        name,
					Description: desc,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "codebase name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func codebaseListCmd() *cobra.Command {
	var f repo.CodebaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List codebases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCodebases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Name", "Status", "Files", "Lines"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.TenantID, c.Name, c.Status, c.TotalFiles, c.TotalLines})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func codebaseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a codebase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCodebase(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func codebaseUpdateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Update a codebase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CodebaseUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				c, err := e.UpdateCodebase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	return cmd
}

func codebaseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a codebase and everything under it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(args)
			if err != nil {
				return err
			}
			return withFetcher(cmd.Context(), func(ctx context.Context, e engine.Engine, f *vcs.Fetcher) error {
				removed, err := e.DeleteCodebase(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for _, repoID := range removed {
					_ = f.Cleanup(repoID)
				}
				fmt.Printf("Deleted codebase %s (%d working copies removed)\n", id, len(removed))
				return nil
			})
		},
	}
	return cmd
}

func codebaseIngestCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "ingest [id]",
		Short: "Ingest every repository of a codebase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(args)
			if err != nil {
				return err
			}
			return withPipeline(cmd.Context(), func(ctx context.Context, e engine.Engine, p *ingest.Pipeline) error {
				results, err := p.IngestCodebase(ctx, id, viper.GetString("actor-id"), refresh)
				if err != nil {
					return err
				}
				for _, r := range results {
					if r.Err != nil {
						fmt.Printf("%s: %v\n", r.RepoID, r.Err)
						continue
					}
					fmt.Printf("%s: %s (%d files, %d lines)\n", r.RepoID, r.Repository.Status, r.Repository.TotalFiles, r.Repository.TotalLines)
				}
				cb, err := e.Repo.GetCodebase(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Codebase %s: %s\n", cb.ID, cb.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "pull instead of re-cloning existing working copies")
	return cmd
}

func codebaseUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set default codebase for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("codebase id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CODEFORGE_DEFAULT_CODEBASE", id); err != nil {
				return err
			}
			fmt.Printf("Set CODEFORGE_DEFAULT_CODEBASE=%s in %s/.env\n", id, workspace)
			return nil
		},
	}
	return cmd
}

func repoCmd() *cobra.Command {
	rp := &cobra.Command{
		Use:   "repo",
		Short: "Manage repositories",
	}
	rp.AddCommand(repoAddCmd())
	rp.AddCommand(repoListCmd())
	rp.AddCommand(repoGetCmd())
	rp.AddCommand(repoRemoveCmd())
	rp.AddCommand(repoIngestCmd())
	return rp
}

func repoAddCmd() *cobra.Command {
	var provider, url, branch, credential string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect a repository to the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RepositoryCreateOptions{
					CodebaseID: id,
					Provider:   domain.Provider(provider),
					URL:        url,
					Branch:     branch,
					ActorID:    viper.GetString("actor-id"),
				}
				if credential != "" {
					opts.CredentialRef = secrets.Encode(credential)
				}
				rp, err := e.AddRepository(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rp)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "github", "provider (github, gitlab, bitbucket, azure_devops, ...)")
	cmd.Flags().StringVar(&url, "url", "", "remote URL")
	cmd.Flags().StringVar(&branch, "branch", "", "branch (defaults to main at clone time)")
	cmd.Flags().StringVar(&credential, "credential", "", "access token or user:pass (stored encoded)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func repoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories of the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRepositories(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "URL", "Status", "Files", "Lines", "Last Commit"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Provider, r.URL, r.Status, r.TotalFiles, r.TotalLines, r.LastCommit})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func repoGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rp, err := e.Repo.GetRepository(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rp)
			})
		},
	}
	return cmd
}

func repoRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Disconnect a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFetcher(cmd.Context(), func(ctx context.Context, e engine.Engine, f *vcs.Fetcher) error {
				if err := e.RemoveRepository(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return f.Cleanup(args[0])
			})
		},
	}
	return cmd
}

func repoIngestCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "ingest <id>",
		Short: "Run one clone+scan cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, e engine.Engine, p *ingest.Pipeline) error {
				rp, err := p.IngestRepository(ctx, args[0], viper.GetString("actor-id"), refresh)
				if err != nil {
					return err
				}
				return printJSONOrTable(rp)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "pull instead of re-cloning an existing working copy")
	return cmd
}

func transformCmd() *cobra.Command {
	tf := &cobra.Command{
		Use:   "transform",
		Short: "Manage transformations",
		Long: `Transformations move through a guarded workflow. Drafts are submitted for
approval unless their oversight level is autonomous; approved ones are queued,
started, optionally paused, and finish completed or failed. Completed
transformations keep a backup ref and can be rolled back.`,
	}
	tf.AddCommand(transformCreateCmd())
	tf.AddCommand(transformListCmd())
	tf.AddCommand(transformGetCmd())
	tf.AddCommand(transformDeleteCmd())
	tf.AddCommand(transformActionCmd("submit", "Submit draft for approval", func(e engine.Engine) transitionFn { return e.Submit }))
	tf.AddCommand(transformApproveCmd())
	tf.AddCommand(transformRejectCmd())
	tf.AddCommand(transformActionCmd("queue", "Queue for execution", func(e engine.Engine) transitionFn { return e.Queue }))
	tf.AddCommand(transformActionCmd("start", "Start execution", func(e engine.Engine) transitionFn { return e.Start }))
	tf.AddCommand(transformActionCmd("pause", "Pause execution", func(e engine.Engine) transitionFn { return e.Pause }))
	tf.AddCommand(transformActionCmd("resume", "Resume execution", func(e engine.Engine) transitionFn { return e.Resume }))
	tf.AddCommand(transformActionCmd("cancel", "Cancel transformation", func(e engine.Engine) transitionFn { return e.Cancel }))
	tf.AddCommand(transformActionCmd("rollback", "Roll back a completed transformation", func(e engine.Engine) transitionFn { return e.Rollback }))
	tf.AddCommand(transformProgressCmd())
	tf.AddCommand(transformCompleteCmd())
	tf.AddCommand(transformFailCmd())
	return tf
}

type transitionFn func(ctx context.Context, id, actorID string) (domain.Transformation, error)

func transformActionCmd(use, short string, pick func(engine.Engine) transitionFn) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := pick(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func transformCreateCmd() *cobra.Command {
	var name, desc, typ, oversight string
	var repos, paths []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transformation draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTransformation(ctx, engine.TransformationCreateOptions{
					CodebaseID:  id,
					Name:        name,
					Description: desc,
					Type:        domain.TransformationType(typ),
					Oversight:   domain.OversightLevel(oversight),
					Scope:       domain.TransformationScope{RepositoryIDs: repos, FilePaths: paths},
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "transformation name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "refactor", "type (refactor, migrate, consolidate, security_fix, dependency_update, dead_code_removal, infrastructure)")
	cmd.Flags().StringVar(&oversight, "oversight", "", "oversight level (defaults from config by type)")
	cmd.Flags().StringArrayVar(&repos, "repo", []string{}, "scoped repository id (repeatable)")
	cmd.Flags().StringArrayVar(&paths, "path", []string{}, "scoped path glob (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func transformListCmd() *cobra.Command {
	var f repo.TransformationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transformations of the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			f.CodebaseID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransformations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Oversight", "Progress"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Type, t.Status, t.Oversight, t.Execution.Progress})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func transformGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get transformation with approval log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTransformation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func transformDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete transformation (any state)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTransformation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func transformApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending transformation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Approve(ctx, args[0], viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional approval comment")
	return cmd
}

func transformRejectCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject back to draft (comment required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Reject(ctx, args[0], viper.GetString("actor-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "why it was rejected")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func transformProgressCmd() *cobra.Command {
	var progress int
	var step string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report execution progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateProgress(ctx, args[0], viper.GetString("actor-id"), progress, step)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage 0-100")
	cmd.Flags().StringVar(&step, "step", "", "current step label")
	_ = cmd.MarkFlagRequired("progress")
	return cmd
}

func transformCompleteCmd() *cobra.Command {
	var opts engine.CompleteOptions
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark execution completed and arm rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Complete(ctx, args[0], viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Output.PRURL, "pr-url", "", "pull request URL produced by the execution")
	cmd.Flags().StringVar(&opts.Output.Branch, "branch", "", "branch holding the changes")
	cmd.Flags().StringVar(&opts.BackupRef, "backup-ref", "", "backup ref (defaults to refs/codeforge/backup/<id>)")
	cmd.Flags().IntVar(&opts.FilesChanged, "files-changed", 0, "files changed")
	cmd.Flags().IntVar(&opts.LinesChanged, "lines-changed", 0, "lines changed")
	cmd.Flags().IntVar(&opts.TestsRun, "tests-run", 0, "tests run")
	cmd.Flags().IntVar(&opts.TestsPassed, "tests-passed", 0, "tests passed")
	return cmd
}

func transformFailCmd() *cobra.Command {
	var cause string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Record a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Fail(ctx, args[0], viper.GetString("actor-id"), cause)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&cause, "error", "", "failure cause")
	_ = cmd.MarkFlagRequired("error")
	return cmd
}

func analysisCmd() *cobra.Command {
	an := &cobra.Command{Use: "analysis", Short: "Manage analysis runs"}
	an.AddCommand(analysisCreateCmd())
	an.AddCommand(analysisListCmd())
	return an
}

func analysisCreateCmd() *cobra.Command {
	var depth string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an analysis run on the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAnalysis(ctx, engine.AnalysisCreateOptions{
					CodebaseID: id,
					Depth:      depth,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "standard", "analysis depth")
	return cmd
}

func analysisListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List analyses of the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAnalyses(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func findingCmd() *cobra.Command {
	fd := &cobra.Command{Use: "finding", Short: "Manage findings"}
	fd.AddCommand(findingRecordCmd())
	fd.AddCommand(findingListCmd())
	return fd
}

func findingRecordCmd() *cobra.Command {
	var f domain.Finding
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a finding against an analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			f.CodebaseID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				got, err := e.RecordFinding(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	cmd.Flags().StringVar(&f.AnalysisID, "analysis", "", "analysis id")
	cmd.Flags().StringVar(&f.Severity, "severity", "medium", "severity (critical, high, medium, low, info)")
	cmd.Flags().StringVar(&f.Category, "category", "", "category")
	cmd.Flags().StringVar(&f.FilePath, "file", "", "file path")
	cmd.Flags().IntVar(&f.StartLine, "start-line", 0, "start line")
	cmd.Flags().IntVar(&f.EndLine, "end-line", 0, "end line")
	cmd.Flags().StringVar(&f.Title, "title", "", "finding title")
	cmd.Flags().StringVar(&f.SuggestedFix, "suggested-fix", "", "suggested fix")
	_ = cmd.MarkFlagRequired("analysis")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func findingListCmd() *cobra.Command {
	var f repo.FindingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List findings of the codebase",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resolveCodebase(nil)
			if err != nil {
				return err
			}
			f.CodebaseID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFindings(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Category", "File", "Title"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Severity, item.Category, item.FilePath, item.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AnalysisID, "analysis", "", "analysis filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			codebaseID := strings.TrimSpace(viper.GetString("codebase"))
			if codebaseID == "" {
				codebaseID = os.Getenv("CODEFORGE_DEFAULT_CODEBASE")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if follow {
					return followEvents(ctx, e, codebaseID)
				}
				events, err := e.Repo.LatestEvents(ctx, n, codebaseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events until interrupted")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey, key, err := repo.NewAPIKey(actor, name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("API key for %s (store it now, only the hash is kept):\n%s\n", actor, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			log := newLogger()
			e := engine.New(conn, cfg)
			fetcher := newFetcher(workspace, cfg, log)
			pipeline := ingest.New(conn, fetcher, cfg, log)

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CODEFORGE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("CODEFORGE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Ingester: pipeline,
				Cleanup:  fetcher.Cleanup,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CodeForge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	return cmd
}

func followEvents(ctx context.Context, e engine.Engine, codebaseID string) error {
	cursor, err := e.Repo.LatestEventID(ctx, codebaseID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := e.Repo.EventsAfter(ctx, 100, cursor, codebaseID)
		if err != nil {
			return err
		}
		for _, evt := range events {
			fmt.Printf("%s %s %s/%s actor=%s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
			cursor = evt.ID
		}
	}
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return nil, err
		}
		cfg = config.Default(filepath.Base(abs))
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newFetcher(workspace string, cfg *config.Config, log *slog.Logger) *vcs.Fetcher {
	workDir := cfg.Ingestion.WorkDir
	if !filepath.IsAbs(workDir) {
		workDir = filepath.Join(workspace, workDir)
	}
	return vcs.New(workDir, cfg.CloneTimeout(), cfg.PullTimeout(), secrets.Static{}, log)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withFetcher(ctx context.Context, fn func(context.Context, engine.Engine, *vcs.Fetcher) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	return fn(ctx, engine.New(conn, cfg), newFetcher(workspace, cfg, log))
}

func withPipeline(ctx context.Context, fn func(context.Context, engine.Engine, *ingest.Pipeline) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	fetcher := newFetcher(workspace, cfg, log)
	return fn(ctx, engine.New(conn, cfg), ingest.New(conn, fetcher, cfg, log))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func resolveCodebase(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if id := strings.TrimSpace(viper.GetString("codebase")); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(os.Getenv("CODEFORGE_DEFAULT_CODEBASE")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("codebase not specified; use --codebase or set CODEFORGE_DEFAULT_CODEBASE (cf codebase use <id>)")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
