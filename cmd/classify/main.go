package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/ensemble"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
)

var (
	version    = "1.0.0"
	configPath string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "classify",
		Short:   "Offline ensemble classification of Android analysis reports",
		Version: version,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print verdicts as JSON")

	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(dirCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadPredictor 日志写 stderr，stdout 只输出结果
func loadPredictor() (*ensemble.Predictor, *model.Bundle, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg := cfg.Log
	if verbose {
		logCfg.Level = "debug"
	} else {
		logCfg.Level = "warn"
	}
	logger := config.NewLogger(&logCfg, os.Stderr)

	bundle, err := model.LoadBundle(model.Options{
		Dir:                cfg.Models.Dir,
		Version:            cfg.Models.Version,
		ONNXRuntimeLib:     cfg.Models.ONNXRuntimeLib,
		OpcodeVariants:     cfg.Models.OpcodeVariants,
		PermissionVariants: cfg.Models.PermissionVariants,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return ensemble.NewPredictorFromBundle(bundle, logger, ensemble.WithParallelism(cfg.Models.Parallelism)), bundle, nil
}

// fileCmd 分类单个报告
func fileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file [path]",
		Short: "Classify a single analysis report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			predictor, bundle, err := loadPredictor()
			if err != nil {
				return err
			}
			defer bundle.Close()
			defer model.DestroyONNXRuntime()

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			verdict, err := predictor.PredictDocument(cmd.Context(), doc)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"report":  filepath.Base(args[0]),
					"verdict": verdict,
				})
			}
			printVerdict(filepath.Base(args[0]), verdict)
			return nil
		},
	}
}

// dirResult 批量分类中单个文件的结果
type dirResult struct {
	Report  string          `json:"report"`
	Verdict *domain.Verdict `json:"verdict,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// dirCmd 批量分类目录下的报告
func dirCmd() *cobra.Command {
	var (
		pattern string
		workers int
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "dir [path]",
		Short: "Classify every report in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := filepath.Glob(filepath.Join(args[0], pattern))
			if err != nil {
				return err
			}
			sort.Strings(files)
			if len(files) == 0 {
				return fmt.Errorf("no reports matching %q in %s", pattern, args[0])
			}

			predictor, bundle, err := loadPredictor()
			if err != nil {
				return err
			}
			defer bundle.Close()
			defer model.DestroyONNXRuntime()

			results := classifyAll(cmd.Context(), predictor, files, workers)
			return printResults(results, outFile)
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "*.json", "Report file pattern")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent reports")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Also write results to a JSONL file")
	return cmd
}

// batchCmd 分类 JSONL 文件，每行一个分析文档
func batchCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "batch [file.jsonl]",
		Short: "Classify every document in a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := report.OpenJSONL(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			predictor, bundle, err := loadPredictor()
			if err != nil {
				return err
			}
			defer bundle.Close()
			defer model.DestroyONNXRuntime()

			results, err := classifyJSONL(cmd.Context(), predictor, reader, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			return printResults(results, outFile)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Also write results to a JSONL file")
	return cmd
}

// printResults 输出批量结果与汇总
func printResults(results []dirResult, outFile string) error {
	if outFile != "" {
		w, err := report.CreateJSONL(outFile)
		if err != nil {
			return err
		}
		for _, r := range results {
			if err := w.WriteLine(r); err != nil {
				w.Close()
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(results)
	}

	var malware, benign, failed int
	for _, r := range results {
		switch {
		case r.Error != "":
			failed++
			fmt.Printf("%s: error: %s\n", r.Report, r.Error)
		default:
			if r.Verdict.IsMalware() {
				malware++
			} else {
				benign++
			}
			printVerdict(r.Report, r.Verdict)
		}
	}
	fmt.Printf("\nTotal: %d  malware: %d  benign: %d  failed: %d\n", len(results), malware, benign, failed)
	return nil
}

// classifyAll 并发分类，结果保持文件顺序，单个失败不影响其余文件
func classifyAll(ctx context.Context, predictor *ensemble.Predictor, files []string, workers int) []dirResult {
	results := make([]dirResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, path := range files {
		i, path := i, path
		results[i].Report = filepath.Base(path)
		g.Go(func() error {
			doc, err := os.ReadFile(path)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			verdict, err := predictor.PredictDocument(gctx, doc)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Verdict = verdict
			return nil
		})
	}
	g.Wait()
	return results
}

// classifyJSONL 逐行分类，报告名为 "文件名:行号"，单行失败不影响其余行
func classifyJSONL(ctx context.Context, predictor *ensemble.Predictor, reader *report.JSONLReader, name string) ([]dirResult, error) {
	var results []dirResult
	for {
		doc, err := reader.Next()
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", reader.LineNumber()+1, err)
		}

		r := dirResult{Report: fmt.Sprintf("%s:%d", name, reader.LineNumber())}
		verdict, err := predictor.PredictDocument(ctx, doc)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Verdict = verdict
		}
		results = append(results, r)
	}
}

// modelsCmd 打印已加载的投票者
func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the loaded voters",
		RunE: func(cmd *cobra.Command, args []string) error {
			predictor, bundle, err := loadPredictor()
			if err != nil {
				return err
			}
			defer bundle.Close()
			defer model.DestroyONNXRuntime()

			models := predictor.Models()
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"version": predictor.Version(),
					"models":  models,
				})
			}

			fmt.Printf("Model version: %s\n\n", predictor.Version())
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODALITY\tVARIANT\tFEATURES\tCATEGORY\tFAMILY\tENCODERS")
			for _, m := range models {
				encoders := make([]string, len(m.Encoders))
				for i, t := range m.Encoders {
					encoders[i] = string(t)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%t\t%s\n",
					m.Modality, m.Variant, m.NumFeatures, m.HasCategory, m.HasFamily, strings.Join(encoders, ","))
			}
			return w.Flush()
		},
	}
}

func printVerdict(report string, v *domain.Verdict) {
	line := fmt.Sprintf("%s: %s (%d/%d malware votes)", report, v.Type, v.VoteCount, v.TotalVoters)
	if v.IsMalware() {
		line += fmt.Sprintf(" category=%s family=%s", v.Category, v.Family)
	}
	fmt.Println(line)

	if verbose {
		for _, p := range v.Predictions {
			mark := ""
			if p.Overridden {
				mark = " (overridden)"
			}
			fmt.Printf("  %s/%s: %s %.3f -> %s%s\n", p.Modality, p.Variant, p.Label, p.Confidence, p.Ballot, mark)
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
