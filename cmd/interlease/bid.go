package main

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlease/client"
	"github.com/mistakeknot/interlease/internal/config"
)

func (a *app) client() *client.Client {
	var opts []client.Option
	if a.cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(a.cfg.APIKey))
	}
	if a.cfg.UserID != "" {
		opts = append(opts, client.WithUser(a.cfg.UserID))
	}
	return client.New(a.cfg.ServerURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resourceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Create and inspect resources",
	}
	config.RegisterClientFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create TITLE",
			Short: "List a resource owned by the acting user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := a.client().CreateResource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "get ID",
			Short: "Show a resource",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := a.client().Resource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "reservations ID",
			Short: "List every reservation of a resource",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rs, err := a.client().ResourceReservations(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rs)
			},
		},
	)
	return cmd
}

func bidCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bid",
		Short: "Submit and decide bids",
	}
	config.RegisterClientFlags(cmd)

	var bid client.Bid
	submit := &cobra.Command{
		Use:   "submit RESOURCE_ID",
		Short: "Bid for an interval of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.client().SubmitBid(cmd.Context(), args[0], bid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	submit.Flags().StringVar(&bid.Start, "start", "", "first day, YYYY-MM-DD")
	submit.Flags().StringVar(&bid.End, "end", "", "last day, YYYY-MM-DD")
	submit.Flags().Float64Var(&bid.Amount, "amount", 0, "amount offered")
	submit.Flags().StringVar(&bid.Message, "message", "", "note for the owner")
	_ = submit.MarkFlagRequired("start")
	_ = submit.MarkFlagRequired("end")

	var message string
	decide := &cobra.Command{
		Use:       "decide RESERVATION_ID accepted|rejected",
		Short:     "Accept or reject a pending bid on your resource",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"accepted", "rejected"},
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().Decide(cmd.Context(), args[0], args[1], message)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	decide.Flags().StringVar(&message, "message", "", "note for the requester")

	cancel := &cobra.Command{
		Use:   "cancel RESERVATION_ID",
		Short: "Withdraw a pending or accepted reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.client().Cancel(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cancel.Flags().StringVar(&message, "message", "", "reason for cancelling")

	convert := &cobra.Command{
		Use:   "convert RESERVATION_ID",
		Short: "Mark an accepted reservation as fulfilled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.client().Convert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	highest := &cobra.Command{
		Use:   "highest RESOURCE_ID",
		Short: "Print the highest active amount on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.client().HighestActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !h.Found {
				_, err = io.WriteString(cmd.OutOrStdout(), "none\n")
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), strconv.FormatFloat(h.Amount, 'f', -1, 64)+"\n")
			return err
		},
	}

	var asOwner bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List your reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := a.client().MyReservations(cmd.Context(), asOwner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rs)
		},
	}
	list.Flags().BoolVar(&asOwner, "owner", false, "list reservations on resources you own")

	cmd.AddCommand(submit, decide, cancel, convert, highest, list)
	return cmd
}
