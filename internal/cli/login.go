package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/session"
)

// newLoginCmd creates and returns a new login command
func newLoginCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the console server",
		Long: `Login to the console server to obtain an authentication token.
The token is stored in your configuration file and sent with every request.

Example:
  console login --username root --password secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			return runLogin(cmd, o, session.Credentials{Username: username, Password: password})
		},
	}

	cmd.Flags().StringP("username", "u", "", "Username")
	cmd.Flags().StringP("password", "p", "", "Password")
	return cmd
}

// runLogin handles the login command execution
func runLogin(cmd *cobra.Command, o *rootOptions, creds session.Credentials) error {
	a, err := o.loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.Login(cmd.Context(), creds); err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			return fmt.Errorf("username and password are required")
		}
		return handled(err)
	}

	a.cfg.Username = creds.Username
	if err := a.cfg.WriteConfig(a.cfg.File()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	profile := a.session.CurrentProfile()
	if o.jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"status":  "success",
			"message": "Login successful",
			"profile": profile,
		})
	}
	okLabel.Fprintln(cmd.OutOrStdout(), "✓ Login successful")
	if profile != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", displayName(profile))
	}
	return nil
}

// newLogoutCmd creates the logout command
func newLogoutCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			// the token is dropped even when the server call fails
			if err := a.session.Logout(cmd.Context()); err != nil {
				return handled(err)
			}
			if o.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "success"})
			}
			okLabel.Fprintln(cmd.OutOrStdout(), "✓ Logged out")
			return nil
		},
	}
}

// newWhoamiCmd creates the whoami command
func newWhoamiCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the profile of the logged in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.session.Probe(cmd.Context()); err != nil {
				return handled(err)
			}
			profile := a.session.CurrentProfile()
			if profile == nil {
				return errors.New("no profile returned by the server")
			}
			if o.jsonOutput {
				return printJSON(cmd.OutOrStdout(), profile)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Username: %s\n", profile.Username)
			if profile.Nickname != "" {
				fmt.Fprintf(out, "Nickname: %s\n", profile.Nickname)
			}
			if profile.Email != "" {
				fmt.Fprintf(out, "Email: %s\n", profile.Email)
			}
			if profile.IsRoot {
				fmt.Fprintln(out, "Role: root")
			}
			return nil
		},
	}
}

// newStatusCmd creates the status command. It never fails on an
// unauthenticated session.
func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			probeErr := a.session.Probe(cmd.Context())
			profile := a.session.CurrentProfile()
			if o.jsonOutput {
				kv := map[string]any{
					"version_cli":   getCLIVersion(),
					"server":        a.cfg.ServerURL,
					"config_file":   a.cfg.File(),
					"authenticated": a.session.IsAuthenticated(),
				}
				if profile != nil {
					kv["username"] = profile.Username
				}
				if probeErr != nil && !errors.Is(probeErr, httpclient.ErrUnauthorized) {
					kv["error"] = probeErr.Error()
				}
				return printJSON(cmd.OutOrStdout(), kv)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s CLI %s\n", binaryName, getCLIVersion())
			fmt.Fprintf(out, "Server: %s\n", a.cfg.ServerURL)
			fmt.Fprintf(out, "Config file: %s\n", a.cfg.File())
			if a.session.IsAuthenticated() && profile != nil {
				okLabel.Fprintf(out, "Authenticated as %s\n", displayName(profile))
			} else {
				warnLabel.Fprintln(out, "Not authenticated")
			}
			return nil
		},
	}
}

// handled maps errors that were already shown to the user, through a notice
// or the session-expired message, to ErrAlreadyHandled.
func handled(err error) error {
	switch {
	case errors.Is(err, httpclient.ErrUnauthorized),
		errors.Is(err, httpclient.ErrApplication),
		errors.Is(err, httpclient.ErrTransport),
		errors.Is(err, httpclient.ErrNetwork),
		errors.Is(err, httpclient.ErrDecode):
		return fmt.Errorf("%w: %w", ErrAlreadyHandled, err)
	}
	return err
}

func displayName(p *session.UserProfile) string {
	if p.Nickname != "" && p.Nickname != p.Username {
		return fmt.Sprintf("%s (%s)", p.Username, p.Nickname)
	}
	return p.Username
}
