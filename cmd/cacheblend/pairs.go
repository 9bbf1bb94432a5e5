package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cacheblend-go/cacheblend"
)

func newPairsCmd() *cobra.Command {
	var opts workloadOptions

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Serve every ordered pair of documents and compare blending against full recomputation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mc := opts.modelConfig()
			engine, _, err := opts.engine(mc)
			if err != nil {
				return err
			}
			defer engine.Close()

			template, docs, query, err := opts.build(mc.VocabSize)
			if err != nil {
				return err
			}
			prompts := cacheblend.PairPermutations(template, docs, query)
			sp, err := opts.samplingParams()
			if err != nil {
				return err
			}

			blended, err := engine.Generate(ctx, prompts, sp, true)
			if err != nil {
				return err
			}
			full, err := engine.GenerateFull(ctx, prompts, sp, true)
			if err != nil {
				return err
			}

			fmt.Println("\nResults:")
			fmt.Println("========")
			exact := 0
			for i := range prompts {
				n := agreement(blended[i].TokenIDs, full[i].TokenIDs)
				if n == len(full[i].TokenIDs) {
					exact++
				}
				fmt.Printf("pair %2d: recomputed %3d/%d, agreement %d/%d\n",
					i, len(blended[i].Selected), blended[i].NumPromptTokens, n, len(full[i].TokenIDs))
			}
			expected := len(docs) + 1
			if template != nil {
				expected++
			}
			fmt.Printf("\n%d/%d pairs match full recomputation; %d distinct chunks cached, %d expected\n",
				exact, len(prompts), engine.ChunkStore().Len(), expected)
			return nil
		},
	}

	opts.register(cmd)
	return cmd
}
