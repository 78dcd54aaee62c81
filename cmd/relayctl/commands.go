package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomrelay/internal/app"
	"roomrelay/internal/auth"
	"roomrelay/internal/storage"
)

func (c *cli) userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts"}

	var pw string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := password(cmd, pw)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(p)
			if err != nil {
				return err
			}
			u, err := c.store.CreateUser(ctxOf(cmd), args[0], hash)
			if errors.Is(err, storage.ErrAlreadyExists) {
				return fmt.Errorf("user %q already exists", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", u.Username, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&pw, "password", "", "account password (read from stdin when empty)")
	cmd.AddCommand(add)
	return cmd
}

func (c *cli) roomCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "room", Short: "Manage rooms"}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.store.CreateRoom(ctxOf(cmd), args[0])
			if errors.Is(err, storage.ErrAlreadyExists) {
				return fmt.Errorf("room %q already exists", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created room %s (id %d)\n", r.Name, r.ID)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms, err := c.store.ListRooms(ctxOf(cmd))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED")
			for _, r := range rooms {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Name, r.CreatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(add, list)
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue connection tokens"}

	var pw string
	mint := &cobra.Command{
		Use:   "mint <username>",
		Short: "Check a password and print a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := password(cmd, pw)
			if err != nil {
				return err
			}
			j, err := app.NewTokenIssuer(c.cfg, c.store)
			if err != nil {
				return err
			}
			tok, err := j.Login(ctxOf(cmd), c.store, args[0], p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	mint.Flags().StringVar(&pw, "password", "", "account password (read from stdin when empty)")
	cmd.AddCommand(mint)
	return cmd
}
