// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fetcharr/fetcharr/internal/auth"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
)

// RunCreateUserCommand creates an account without going through the web
// setup flow. Useful for scripted deployments.
func RunCreateUserCommand() *cobra.Command {
	var (
		configDir string
		username  string
		password  string
	)

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--username is required")
			}

			db, err := openDatabase(configDir)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if _, err := db.GetUserByUsername(ctx, username); err == nil {
				cmd.Printf("User account already exists: %s\n", username)
				return nil
			} else if !errors.Is(err, database.ErrUserNotFound) {
				return err
			}

			if password == "" {
				password, err = promptPassword(cmd, "Password: ")
				if err != nil {
					return err
				}
			}

			user, err := auth.NewService(db).CreateUser(ctx, username, password)
			if err != nil {
				return err
			}

			cmd.Printf("User '%s' created successfully (role: %s)\n", user.Username, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Path to configuration directory")
	cmd.Flags().StringVar(&username, "username", "", "Username for the account")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

// RunChangePasswordCommand resets a user's password without asking for the
// old one. Operator-driven recovery path.
func RunChangePasswordCommand() *cobra.Command {
	var (
		configDir   string
		username    string
		newPassword string
	)

	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Reset a user's password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--username is required")
			}

			db, err := openDatabase(configDir)
			if err != nil {
				return err
			}
			defer db.Close()

			if newPassword == "" {
				newPassword, err = promptPassword(cmd, "New password: ")
				if err != nil {
					return err
				}
			}

			if err := auth.NewService(db).ResetPassword(cmd.Context(), username, newPassword); err != nil {
				return err
			}

			cmd.Printf("Password changed successfully for user '%s'\n", username)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "Path to configuration directory")
	cmd.Flags().StringVar(&username, "username", "", "Username of the account")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "New password (prompted when omitted)")
	return cmd
}

func openDatabase(configDir string) (*database.DB, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, err
	}
	return database.New(cfg.GetDatabasePath())
}

func promptPassword(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required: pass --password or run interactively")
	}

	cmd.Print(prompt)
	raw, err := term.ReadPassword(fd)
	cmd.Println()
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}

	password := strings.TrimSpace(string(raw))
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	return password, nil
}
