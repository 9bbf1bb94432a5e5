package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"cacheblend-go/cacheblend"
	"cacheblend-go/internal/logger"
)

func newRunCmd() *cobra.Command {
	var (
		opts   workloadOptions
		repeat int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve one synthetic request with blending and with full recomputation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mc := opts.modelConfig()
			engine, cfg, err := opts.engine(mc)
			if err != nil {
				return err
			}
			defer engine.Close()

			template, docs, query, err := opts.build(mc.VocabSize)
			if err != nil {
				return err
			}
			chunks := request(template, docs, query)
			sp, err := opts.samplingParams()
			if err != nil {
				return err
			}

			bar := progressbar.NewOptions(len(chunks),
				progressbar.OptionSetDescription("Assembling"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
			)
			engine.Assembler().SetProgress(bar)
			blended, err := engine.Run(ctx, chunks, sp, true)
			if err != nil {
				return err
			}
			bar.Finish()
			engine.Assembler().SetProgress(nil)

			full, err := engine.Run(ctx, chunks, sp, false)
			if err != nil {
				return err
			}

			fmt.Printf("\nPrompt tokens:  %d\n", blended.NumPromptTokens)
			fmt.Printf("Recomputed:     %d (ratio %.2f, check layer %d, %s drift)\n",
				len(blended.Selected), cfg.RecompRatio, cfg.CheckLayer, cfg.DriftMetric)
			fmt.Printf("Blended tokens: %v\n", blended.TokenIDs)
			fmt.Printf("Full tokens:    %v\n", full.TokenIDs)
			fmt.Printf("Agreement:      %d/%d leading tokens\n", agreement(blended.TokenIDs, full.TokenIDs), len(full.TokenIDs))

			if repeat <= 1 {
				return nil
			}
			first, err := cacheblend.NewSelection(blended.Selected, blended.NumPromptTokens, query.Len())
			if err != nil {
				return err
			}
			total := 0.0
			for i := 1; i < repeat; i++ {
				out, err := engine.Run(ctx, chunks, sp, true)
				if err != nil {
					return err
				}
				sel, err := cacheblend.NewSelection(out.Selected, out.NumPromptTokens, query.Len())
				if err != nil {
					return err
				}
				overlap := cacheblend.CompareSelections(first, sel)
				logger.Log.Debug("repeat selection", "run", i, "overlap", overlap)
				total += overlap
			}
			fmt.Printf("Selection overlap over %d repeats: %.3f\n", repeat-1, total/float64(repeat-1))
			return nil
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Serve the blended request this many times and report selection overlap")
	return cmd
}
