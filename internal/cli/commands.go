package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// ErrMemoryBus 内存总线没有可运维的死信流
var ErrMemoryBus = errors.New("dead-letter commands require BUS_BACKEND=redis")

// NewResetCommand 清空写库与投影库
func NewResetCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every observation and device projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return withAdmin(opts, func(ctx context.Context, admin Admin) error {
				if err := admin.Reset(ctx); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, map[string]any{"reset": true}, func(w io.Writer) {
					fmt.Fprintln(w, "telemetry stores cleared")
				})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// NewListCommand 列出最新温度或全部观测
func NewListCommand(opts *RootOptions) *cobra.Command {
	var observations bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List latest device temperatures (or raw observations with --observations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(opts, func(ctx context.Context, admin Admin) error {
				if observations {
					rows, err := admin.ListObservations(ctx)
					if err != nil {
						return err
					}
					return render(cmd.OutOrStdout(), opts.Format, rows, func(w io.Writer) {
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						fmt.Fprintln(tw, "ID\tDEVICE\tTEMPERATURE\tTIMESTAMP\tRECORDED AT")
						for _, o := range rows {
							fmt.Fprintf(tw, "%d\t%d\t%g\t%s\t%s\n", o.ID, o.DeviceID, o.Temperature,
								o.Timestamp.UTC().Format(time.RFC3339Nano), o.RecordedAt.UTC().Format(time.RFC3339Nano))
						}
						tw.Flush()
					})
				}

				rows, err := admin.ListLatest(ctx)
				if err != nil {
					return err
				}
				sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceID < rows[j].DeviceID })
				return render(cmd.OutOrStdout(), opts.Format, rows, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "DEVICE\tTEMPERATURE\tTIMESTAMP")
					for _, r := range rows {
						fmt.Fprintf(tw, "%d\t%g\t%s\n", r.DeviceID, r.Temperature, r.Timestamp.UTC().Format(time.RFC3339Nano))
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&observations, "observations", false, "list every stored observation instead")
	return cmd
}

// NewDLQCommand 死信流运维
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered telemetry events",
	}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQReplayCommand(opts))
	cmd.AddCommand(newDLQPurgeCommand(opts))
	return cmd
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters in arrival order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(opts, func(ctx context.Context, dl DeadLetterAdmin) error {
				entries, err := dl.List(ctx, count)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, entries, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tSOURCE\tATTEMPTS\tERROR\tPAYLOAD")
					for _, e := range entries {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.SourceID, e.Attempts, e.Error, e.Payload)
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().Int64Var(&count, "count", 0, "maximum entries to show (0 = all)")
	return cmd
}

func newDLQReplayCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Republish dead letters onto the events stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("specify dead-letter ids or --all")
			}
			if len(args) > 0 && all {
				return fmt.Errorf("--all cannot be combined with ids")
			}
			return withDeadLetters(opts, func(ctx context.Context, dl DeadLetterAdmin) error {
				n, err := dl.Replay(ctx, args...)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, map[string]int{"replayed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "replayed %d dead letter(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "replay every dead letter")
	return cmd
}

func newDLQPurgeCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return withDeadLetters(opts, func(ctx context.Context, dl DeadLetterAdmin) error {
				n, err := dl.Purge(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Format, map[string]int64{"purged": n}, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d dead letter(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func withDeadLetters(opts *RootOptions, fn func(ctx context.Context, dl DeadLetterAdmin) error) error {
	return withAdmin(opts, func(ctx context.Context, admin Admin) error {
		dl := admin.DeadLetters()
		if dl == nil {
			return ErrMemoryBus
		}
		return fn(ctx, dl)
	})
}

// render json 直接编码，text 交给 textFn
func render(w io.Writer, format string, v any, textFn func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	textFn(w)
	return nil
}
