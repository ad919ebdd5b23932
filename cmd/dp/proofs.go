package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deployproof/internal/app"
	"deployproof/internal/domain"
	"deployproof/internal/engine"
	"deployproof/internal/repo"
)

var errNotProven = errors.New("deployment not proven")

func proveCmd() *cobra.Command {
	var req engine.ProveRequest
	var record, archive, strict bool
	cmd := &cobra.Command{
		Use:   "prove",
		Short: "Prove that stories reached an environment",
		Example: `  dp prove --stories US-1,US-2 --env prod --branch main
  dp prove --stories US-1 --env uat --level maximum --validate-env --record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ProveDeployment(ctx, req)
				if err != nil {
					return err
				}
				if record {
					if _, err := rt.Engine.Record(ctx, res, viper.GetString("actor-id")); err != nil {
						return fmt.Errorf("record proof: %w", err)
					}
				}
				if archive {
					if rt.Archive == nil {
						return fmt.Errorf("--archive requires archive.enabled in deployproof.yml")
					}
					key, err := rt.Archive.Put(ctx, res)
					if err != nil {
						return fmt.Errorf("archive proof: %w", err)
					}
					logger.Info("proof archived", zap.String("key", key))
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printProof(res)
				}
				if strict && !provenEnough(res.Overall.Verdict) {
					return fmt.Errorf("%w: %s (%.1f)", errNotProven, res.Overall.Verdict, res.Overall.Score)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&req.Stories, "stories", nil, "story names, comma separated")
	cmd.Flags().StringVar(&req.Environment, "env", "", "target environment")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "source branch")
	cmd.Flags().StringVar(&req.Level, "level", "", "validation level (defaults to validation.default_level)")
	cmd.Flags().BoolVar(&req.ValidateStoryEnv, "validate-env", false, "reject stories whose environment differs from --env")
	cmd.Flags().BoolVar(&record, "record", false, "store the result in the proof history")
	cmd.Flags().BoolVar(&archive, "archive", false, "upload the result to the configured archive")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero unless the verdict is PROVEN or LIKELY PROVEN")
	_ = cmd.MarkFlagRequired("stories")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func provenEnough(v domain.Verdict) bool {
	return v == domain.VerdictProven || v == domain.VerdictLikelyProven
}

func printProof(res domain.ProofResult) {
	fmt.Printf("Proof %s  env=%s level=%s\n", res.ID, res.Environment, res.Level)
	fmt.Printf("Verdict: %s  score=%.1f  confidence=%s\n", res.Overall.Verdict, res.Overall.Score, res.Overall.Confidence)
	if res.Message != "" {
		fmt.Println("Message:", res.Message)
	}
	for _, s := range res.InvalidStories {
		fmt.Printf("  skipped story %s: %s %s\n", s.Story, s.Reason, s.Detail)
	}

	if len(res.Report.Outcomes) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Validator", "Status", "ms"})
		for _, o := range res.Report.Outcomes {
			tw.AppendRow(table.Row{o.Validator, o.Status, o.DurationMS})
		}
		c := res.Report.Counts
		tw.AppendFooter(table.Row{fmt.Sprintf("%d/%d run", res.Report.Executed, len(res.Report.Planned)),
			fmt.Sprintf("ok %d warn %d fail %d skip %d no-access %d", c.Successful, c.Warning, c.Failed, c.Skipped, c.NoAccess), ""})
		tw.Render()
	}
	if len(res.ComponentProofs) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Type", "Component", "Proven", "Score", "Confidence", "Methods"})
		for _, p := range res.ComponentProofs {
			tw.AppendRow(table.Row{p.Component.Type, p.Component.APIName, p.Proven, p.Score, p.Confidence, strings.Join(p.Methods, ",")})
		}
		tw.Render()
	}
}

func levelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List validation levels and their validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				vcfg := rt.Engine.Executor.Config
				if viper.GetBool("json") {
					out := map[string]any{"default_level": vcfg.DefaultLevel, "levels": vcfg.Levels}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Level", "Validators"})
				for _, name := range vcfg.LevelNames() {
					label := name
					if name == vcfg.DefaultLevel {
						label += " (default)"
					}
					names, _ := vcfg.Level(name)
					tw.AppendRow(table.Row{label, strings.Join(names, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <fixture.yml>",
		Short: "Load stories, environment records and deployment records from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sum, err := rt.Engine.ImportFixture(ctx, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("imported %d stories, %d records, %d bundle members, %d deployment records\n",
					sum.Stories, sum.Records, sum.Members, sum.Deployments)
				return nil
			})
		},
	}
}

func proofsCmd() *cobra.Command {
	p := &cobra.Command{Use: "proofs", Short: "Browse recorded proofs"}
	p.AddCommand(proofsListCmd())
	p.AddCommand(proofsShowCmd())
	return p
}

func proofsListCmd() *cobra.Command {
	var f repo.ProofRunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded proofs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				runs, err := rt.Engine.Repo.ListProofRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Created", "Env", "Level", "Stories", "Verdict", "Score", "Actor"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.CreatedAt, r.Environment, r.Level, r.Stories, r.Verdict, fmt.Sprintf("%.1f", r.Score), r.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Environment, "env", "", "environment filter")
	cmd.Flags().StringVar(&f.Verdict, "verdict", "", "verdict filter")
	cmd.Flags().StringVar(&f.Story, "story", "", "story filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	return cmd
}

func proofsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a recorded proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				_, res, err := rt.Engine.LoadResult(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printProof(res)
				return nil
			})
		},
	}
}
