package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qanetxl/internal/reader"
	"github.com/23skdu/longbow-qanetxl/internal/weights"
)

func newRunCmd(a *app) *cobra.Command {
	var contextPath, question string
	var noArrow bool
	cmd := &cobra.Command{
		Use:   "run --context FILE --question TEXT",
		Short: "Answer a question over a document, writing per-position scores as Arrow IPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(cmd.InOrStdin(), contextPath)
			if err != nil {
				return err
			}
			r, _, err := buildReader(a.cfg, text, question)
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := r.Read(cmd.Context(), text, question)
			if err != nil {
				return err
			}
			log.Info().
				Int("segments", len(res.Segments)).
				Dur("elapsed", time.Since(start)).
				Msg("read document")

			writeSummary(cmd.ErrOrStderr(), res, r.MaxAnswerLen)
			if noArrow {
				return nil
			}
			return writeSegments(cmd.OutOrStdout(), res.Segments)
		},
	}
	cmd.Flags().StringVar(&contextPath, "context", "-", "Context file, - for stdin")
	cmd.Flags().StringVar(&question, "question", "", "Question to answer")
	cmd.Flags().BoolVar(&noArrow, "no-arrow", false, "Only print the summary")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func newInitWeightsCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init-weights --out FILE",
		Short: "Write a freshly initialised parameter file for the configured vocabulary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			cfg.Model.WeightsPath = ""
			_, net, err := buildReader(cfg)
			if err != nil {
				return err
			}
			if err := weights.NewLoader(net.Parameters()).Save(out); err != nil {
				return err
			}
			log.Info().Str("path", out).Int("params", len(net.Parameters())).Msg("wrote weights")
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "weights.bin", "Output path")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read context: %w", err)
	}
	return string(data), nil
}

// writeSummary prints the best span of every segment and the answer.
func writeSummary(w io.Writer, res reader.Result, maxLen int) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SEGMENT", "OFFSET", "TOKENS", "SPAN", "TEXT", "SCORE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, seg := range res.Segments {
		s, e, score := reader.BestSpan(seg.Start, seg.End, maxLen)
		row := []string{strconv.Itoa(seg.Index), strconv.Itoa(seg.Offset), strconv.Itoa(len(seg.Tokens)), "-", "", "-inf"}
		if s >= 0 {
			row[3] = fmt.Sprintf("%d-%d", seg.Offset+s, seg.Offset+e)
			row[4] = spanText(seg, s, e)
			row[5] = strconv.FormatFloat(float64(score), 'f', 4, 32)
		}
		table.Append(row)
	}
	table.Render()

	if ans := res.Answer; ans.Found() {
		fmt.Fprintf(w, "answer: %q (tokens %d-%d, segment %d, log-prob %.4f)\n", ans.Text, ans.Start, ans.End, ans.Segment, ans.Score)
	} else {
		fmt.Fprintln(w, "answer: none")
	}
}

func spanText(seg reader.Segment, s, e int) string {
	out := ""
	for i := s; i <= e; i++ {
		if i > s {
			out += " "
		}
		out += seg.Tokens[i].Text
	}
	return out
}
