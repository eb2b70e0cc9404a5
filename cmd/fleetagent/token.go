package main

import (
	"errors"
	"fmt"

	"github.com/httprunner/FleetAgent/internal/config"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage second factor tokens",
	}
	cmd.AddCommand(newTokenAddCmd(), newTokenTestCmd())
	return cmd
}

func newTokenAddCmd() *cobra.Command {
	var (
		flagAccount string
		flagDevice  string
	)

	cmd := &cobra.Command{
		Use:   "add <token>",
		Short: "Bind a token to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			device := flagDevice
			if device == "" && flagAccount != "" {
				acc, err := a.store.GetAccount(ctx, flagAccount)
				if err != nil {
					return err
				}
				device = acc.DeviceSerial
			}
			tok := fleet.SecondFactorToken{Token: args[0], AccountID: flagAccount, DeviceSerial: device}
			if err := a.store.UpsertToken(ctx, tok); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token bound to account %s\n", flagAccount)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAccount, "account", "", "Account id")
	cmd.Flags().StringVar(&flagDevice, "device", "", "Device serial (default: the account's device)")
	return cmd
}

func newTokenTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <token>",
		Short: "Probe the code service once for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			client, err := a.secondFactorClient()
			if err != nil {
				return err
			}
			if client == nil {
				return pkgerrors.Errorf("%s must be provided", config.EnvSecondFactorURL)
			}
			ctx := cmd.Context()
			code, err := client.TestToken(ctx, args[0])
			switch {
			case err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "valid, current code %s\n", code)
				return nil
			case errors.Is(err, secondfactor.ErrCodeNotReady):
				fmt.Fprintln(cmd.OutOrStdout(), "valid, no code available yet")
				return nil
			case errors.Is(err, secondfactor.ErrInvalidToken):
				accountID, serial := "", ""
				if known, lookupErr := a.store.GetToken(ctx, args[0]); lookupErr == nil {
					accountID, serial = known.AccountID, known.DeviceSerial
				}
				if markErr := a.store.MarkTokenInvalid(ctx, args[0], accountID, serial); markErr != nil {
					return markErr
				}
				return pkgerrors.New("token is invalid")
			default:
				return err
			}
		},
	}
}
