// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/GroupAHP/pkg/aggregation"
	"github.com/AleutianAI/GroupAHP/pkg/ahp"
	"github.com/AleutianAI/GroupAHP/pkg/collab"
	"github.com/AleutianAI/GroupAHP/pkg/consensus"
	"github.com/AleutianAI/GroupAHP/pkg/logging"
	"github.com/AleutianAI/GroupAHP/pkg/protocol"
	"github.com/AleutianAI/GroupAHP/pkg/ux"
)

// =============================================================================
// Root
// =============================================================================

type rootOptions struct {
	jsonOutput bool
	output     string
	logLevel   string
	logger     *slog.Logger
}

// printer renders to the command's stdout at the --output level, or the
// level detected from the process stdout for "auto".
func (o *rootOptions) printer(cmd *cobra.Command) *ux.Printer {
	level := ux.ParsePersonalityLevel(o.output)
	if o.output == "" || o.output == "auto" {
		level = ux.DetectPersonality(os.Stdout)
	}
	return ux.NewPrinter(cmd.OutOrStdout(), level)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ahpctl",
		Short:         "Work with AHP pairwise comparison matrices",
		Long:          `ahpctl solves single comparison matrices, aggregates the judgments of several evaluators, and submits evaluations to a live group session.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Level:   level,
				Service: "ahpctl",
				Output:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			opts.logger = logger.Slog()
			return nil
		},
	}
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")
	cmd.PersistentFlags().StringVar(&opts.output, "output", "auto", "text output style (auto, standard, minimal, machine)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newSolveCmd(opts), newAggregateCmd(opts), newJoinCmd(opts))
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// solve
// =============================================================================

type solveOutput struct {
	Evaluator        string    `json:"evaluator"`
	Priorities       []float64 `json:"priorities"`
	LambdaMax        float64   `json:"lambda_max"`
	ConsistencyIndex float64   `json:"consistency_index"`
	ConsistencyRatio float64   `json:"consistency_ratio"`
	IsConsistent     bool      `json:"is_consistent"`
}

func newSolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "solve <file>",
		Short: "Derive priorities and the consistency ratio of one matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := loadMatrix(args[0])
			if err != nil {
				return err
			}
			res, err := ahp.Solve(mf.Matrix)
			if err != nil {
				return err
			}
			out := solveOutput{
				Evaluator:        mf.Evaluator,
				Priorities:       res.Priorities,
				LambdaMax:        res.LambdaMax,
				ConsistencyIndex: res.ConsistencyIndex,
				ConsistencyRatio: res.ConsistencyRatio,
				IsConsistent:     res.IsConsistent(),
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			p := opts.printer(cmd)
			p.Title("Priorities for " + out.Evaluator)
			p.Field("Evaluator", out.Evaluator)
			p.Vector("Priorities", out.Priorities)
			p.Field("Lambda max", fmt.Sprintf("%.4f", out.LambdaMax))
			p.Check("Consistency ratio", out.IsConsistent, fmt.Sprintf("%.4f", out.ConsistencyRatio))
			return nil
		},
	}
}

// =============================================================================
// aggregate
// =============================================================================

type aggregateOutput struct {
	Aggregate aggregation.Result `json:"aggregate"`
	Consensus consensus.Metrics  `json:"consensus"`
}

func newAggregateCmd(opts *rootOptions) *cobra.Command {
	var (
		method    string
		spread    float64
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "aggregate <file> <file>...",
		Short: "Aggregate several evaluators' matrices and measure their consensus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agg, err := aggregation.New(aggregation.Method(method), aggregation.Options{FuzzySpread: spread})
			if err != nil {
				return err
			}

			matrices := make([]ahp.Matrix, 0, len(args))
			weights := make([]float64, 0, len(args))
			evals := make([]consensus.Evaluation, 0, len(args))
			for _, path := range args {
				mf, err := loadMatrix(path)
				if err != nil {
					return err
				}
				w := mf.Weight
				if w == 0 {
					w = 1
				}
				matrices = append(matrices, mf.Matrix)
				weights = append(weights, w)
				evals = append(evals, consensus.Evaluation{EvaluatorID: mf.Evaluator, Matrix: mf.Matrix})
			}

			res, err := agg.Aggregate(matrices, weights)
			if err != nil {
				return err
			}
			metrics, err := consensus.NewAnalyzer(consensus.Config{CriticalThreshold: threshold}).Analyze(evals, res.Matrix)
			if err != nil {
				return err
			}
			opts.logger.Debug("aggregated", "method", method, "participants", res.ParticipantCount)

			out := aggregateOutput{Aggregate: res, Consensus: metrics}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			printAggregate(opts.printer(cmd), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", string(aggregation.MethodAIJ), "aggregation method (aij, aip, fuzzy)")
	cmd.Flags().Float64Var(&spread, "fuzzy-spread", aggregation.DefaultFuzzySpread, "half-width of the fuzzy numbers for --method fuzzy")
	cmd.Flags().Float64Var(&threshold, "critical-threshold", consensus.DefaultCriticalThreshold, "disagreement magnitude reported as critical")
	return cmd
}

func printAggregate(p *ux.Printer, out aggregateOutput) {
	res, m := out.Aggregate, out.Consensus
	p.Title(fmt.Sprintf("Group judgment (%s, %d evaluators)", res.Method, res.ParticipantCount))
	p.Field("Method", string(res.Method))
	p.Field("Evaluators", fmt.Sprintf("%d", res.ParticipantCount))
	p.Vector("Priorities", res.Priorities)
	p.Check("Consistency ratio", res.IsConsistent, fmt.Sprintf("%.4f", res.ConsistencyRatio))
	p.Score("Consensus index", res.ConsensusIndex)
	p.Score("Shannon consensus", m.OverallConsensus)
	p.Score("Kendall's W", m.KendallW)
	if p.Level() != ux.PersonalityMachine {
		p.Matrix("matrix", res.Matrix)
	}
	if len(m.CriticalDisagreements) == 0 {
		p.Success("no critical disagreements")
		return
	}
	rows := make([][]string, len(m.CriticalDisagreements))
	for i, d := range m.CriticalDisagreements {
		rows[i] = []string{d.EvaluatorA, d.EvaluatorB, fmt.Sprintf("%.4f", d.Magnitude), fmt.Sprintf("%d,%d", d.Row, d.Col)}
	}
	p.Warning(fmt.Sprintf("%d critical disagreements", len(rows)))
	p.Table("critical", []string{"Evaluator", "Evaluator", "Magnitude", "Cell"}, rows)
}

// =============================================================================
// join
// =============================================================================

type joinOptions struct {
	url    string
	token  string
	node   string
	matrix string
	wait   time.Duration
}

func newJoinCmd(opts *rootOptions) *cobra.Command {
	jo := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Connect to a group session, submit an evaluation and print the feed",
		Long: `join connects to a group's WebSocket endpoint, submits the matrix for
the given node when --matrix is set, and prints every feed message until
--wait elapses or the process is interrupted. A zero --wait exits right
after the submission is acknowledged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, opts.printer(cmd), opts, jo)
		},
	}
	cmd.Flags().StringVar(&jo.url, "url", "", "group WebSocket URL, ws://host:port/v1/groups/<id>/ws")
	cmd.Flags().StringVar(&jo.token, "token", os.Getenv("GROUPAHP_TOKEN"), "bearer token (default $GROUPAHP_TOKEN)")
	cmd.Flags().StringVar(&jo.node, "node", "", "hierarchy node the matrix evaluates")
	cmd.Flags().StringVar(&jo.matrix, "matrix", "", "matrix file to submit")
	cmd.Flags().DurationVar(&jo.wait, "wait", 0, "how long to keep printing the feed")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runJoin(ctx context.Context, p *ux.Printer, opts *rootOptions, jo *joinOptions) error {
	if jo.matrix != "" && jo.node == "" {
		return errors.New("--node is required with --matrix")
	}
	var submit *protocol.EvaluationSubmit
	if jo.matrix != "" {
		mf, err := loadMatrix(jo.matrix)
		if err != nil {
			return err
		}
		submit = &protocol.EvaluationSubmit{NodeID: jo.node, Matrix: mf.Matrix}
	}

	var (
		mu    sync.Mutex
		fatal = make(chan error, 1)
	)
	locked := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	cfg := collab.DefaultConfig(jo.url)
	cfg.Token = jo.token
	cfg.Logger = opts.logger
	session, err := collab.New(cfg, collab.Handlers{
		OnStatus: func(st collab.Status) {
			opts.logger.Info("session status", "status", st)
		},
		OnMessage: func(env protocol.Envelope) {
			locked(func() { p.Field(string(env.Type), string(env.Data)) })
		},
		OnPresence: func(users []protocol.OnlineUser) {
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.Name
				if names[i] == "" {
					names[i] = u.ID
				}
			}
			locked(func() { p.Field("Online", strings.Join(names, ", ")) })
		},
		OnError: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		OnWarning: func(err error) {
			opts.logger.Warn("session warning", "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	defer session.Disconnect()

	if submit != nil {
		ack, err := session.Send(ctx, protocol.TypeEvaluationSubmit, submit)
		if err != nil {
			return fmt.Errorf("submit %s: %w", jo.node, err)
		}
		locked(func() {
			p.Success(fmt.Sprintf("submitted %s at version %d (client_id %s)", jo.node, ack.Version, ack.ClientID))
		})
	}

	if jo.wait <= 0 {
		return nil
	}
	timer := time.NewTimer(jo.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case err := <-fatal:
		return err
	}
}

