// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/pquerna/otp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeranaias/mitar/internal/auth"
)

// localProvider returns the identity file provider, or an error when the
// user id is pinned in config.
func localProvider(global *GlobalFlags) (*auth.LocalProvider, error) {
	cfg := global.Config()
	if cfg.Identity.UserID != "" {
		return nil, errors.New("identity is pinned by [identity] user_id")
	}
	return auth.NewLocalProvider(cfg.Identity.File), nil
}

// =============================================================================
// LOGIN / LOGOUT / WHOAMI
// =============================================================================

// NewLoginCommand returns "mitar login".
func NewLoginCommand(global *GlobalFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login NAME",
		Short: "Sign in as NAME",
		Long: `Login makes NAME the current identity. The same name always maps to the
same user id, so conversations follow the name across machines sharing a
store. Accounts that enrolled a verification code need --code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := localProvider(global)
			if err != nil {
				return err
			}
			name := args[0]
			if code == "" && p.RequiresCode(name) {
				if code, err = promptCode(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			ident, err := p.SignIn(name, code)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Signed in as")+" "+ident.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Verification code from your authenticator app")
	return cmd
}

// promptCode reads a verification code, hidden when stdin is a terminal.
func promptCode(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Verification code: ")
	if IsTTY() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", auth.ErrCodeRequired
	}
	return strings.TrimSpace(line), nil
}

// NewLogoutCommand returns "mitar logout".
func NewLogoutCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := localProvider(global)
			if err != nil {
				return err
			}
			if err := p.SignOut(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

// NewWhoamiCommand returns "mitar whoami".
func NewWhoamiCommand(global *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := currentIdentity(global.Config())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return NewJSONResponse("whoami", ident).Write(out)
			}
			fmt.Fprintln(out, renderField("Name", ident.Name))
			fmt.Fprintln(out, renderField("User ID", ident.UserID))
			if !ident.SignedInAt.IsZero() {
				fmt.Fprintln(out, renderField("Signed in", ident.SignedInAt.Local().Format("2006-01-02 15:04")))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// =============================================================================
// TOTP
// =============================================================================

// NewTOTPCommand returns "mitar totp".
func NewTOTPCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage sign-in verification codes",
	}

	var qrPath string
	enroll := &cobra.Command{
		Use:   "enroll",
		Short: "Require a verification code for the current account",
		Long: `Enroll generates a new secret for the signed-in account and prints the
otpauth:// URL for your authenticator app. From then on "mitar login"
asks for a code. Enrolling again replaces the secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := localProvider(global)
			if err != nil {
				return err
			}
			url, err := p.EnrollTOTP()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, SuccessStyle.Render("Verification enrolled."))
			fmt.Fprintln(out, "Add this URL to your authenticator app:")
			fmt.Fprintln(out, url)
			if qrPath != "" {
				if err := writeQRCode(url, qrPath); err != nil {
					return err
				}
				fmt.Fprintln(out, DimStyle.Render("QR code written to "+qrPath))
			}
			return nil
		},
	}
	enroll.Flags().StringVar(&qrPath, "qr", "", "Also write the URL as a QR code PNG to this path")

	cmd.AddCommand(enroll)
	return cmd
}

// writeQRCode renders an otpauth URL as a 256x256 PNG.
func writeQRCode(url, path string) error {
	key, err := otp.NewKeyFromURL(url)
	if err != nil {
		return fmt.Errorf("parse otpauth url: %w", err)
	}
	img, err := key.Image(256, 256)
	if err != nil {
		return fmt.Errorf("render qr code: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
