package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"livegate/client"
)

type demoOptions struct {
	serverURL   string
	credentials string
}

func demoCmd(root *rootOptions) *cobra.Command {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Use the demo login against a running server",
	}
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:5000", "Server base URL")
	cmd.PersistentFlags().StringVar(&opts.credentials, "credentials", defaultCredentialsPath(), "File holding the demo credential")

	var phone, country, password, username, email string
	var lat, lng float64
	var withLocation bool

	login := &cobra.Command{
		Use:   "login",
		Short: "Log in with a phone number or email address",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := newDemoSession(opts, root)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var ok bool
			if email != "" {
				ok = session.LoginWithEmail(ctx, email, password)
			} else {
				ok = session.Login(ctx, phone, country, password)
			}
			return reportSession(cmd.OutOrStdout(), session, ok)
		},
	}
	login.Flags().StringVar(&phone, "phone", "", "Phone number")
	login.Flags().StringVar(&country, "country-code", "+1", "Phone country code")
	login.Flags().StringVar(&email, "email", "", "Email address (instead of phone)")
	login.Flags().StringVar(&password, "password", "", "Password")

	signup := &cobra.Command{
		Use:   "signup",
		Short: "Create a demo account",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := newDemoSession(opts, root)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			var loc *client.LocationHint
			if withLocation {
				loc = &client.LocationHint{Lat: lat, Lng: lng}
			}
			return reportSession(cmd.OutOrStdout(), session, session.Signup(ctx, username, phone, country, password, loc))
		},
	}
	signup.Flags().StringVar(&username, "username", "", "Username")
	signup.Flags().StringVar(&phone, "phone", "", "Phone number")
	signup.Flags().StringVar(&country, "country-code", "+1", "Phone country code")
	signup.Flags().StringVar(&password, "password", "", "Password")
	signup.Flags().Float64Var(&lat, "lat", 0, "Signup latitude")
	signup.Flags().Float64Var(&lng, "lng", 0, "Signup longitude")
	signup.Flags().BoolVar(&withLocation, "with-location", false, "Send --lat/--lng as the signup location")

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Ask the server who the stored credential belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store := newDemoSession(opts, root)
			return runWhoami(cmd.Context(), opts.serverURL, store, cmd.OutOrStdout())
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := newDemoSession(opts, root)
			session.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}

	cmd.AddCommand(login, signup, whoami, logout)
	return cmd
}

func newDemoSession(opts *demoOptions, root *rootOptions) (*client.AuthSession, *client.CredentialStore) {
	store := client.NewCredentialStore(client.NewFileStorage(opts.credentials), root.logger)
	jar, _ := cookiejar.New(nil)
	httpClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}
	auth := client.NewDemoAuthClient(opts.serverURL, httpClient, store, root.logger)
	session := client.NewAuthSession(auth, store, root.logger)
	session.Init()
	return session, store
}

func reportSession(out io.Writer, session *client.AuthSession, ok bool) error {
	if !ok {
		return errors.New("demo authentication failed")
	}
	st := session.State()
	if st.Profile != nil {
		fmt.Fprintf(out, "signed in as %s (%s)\n", st.Profile.Username, st.Profile.ID)
	}
	return nil
}

func runWhoami(ctx context.Context, serverURL string, store *client.CredentialStore, out io.Writer) error {
	if !store.HasCredential() {
		return errors.New("no stored credential, run 'livegate demo login' first")
	}
	httpClient := &http.Client{Transport: &client.Transport{Store: store}, Timeout: 15 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(serverURL, "/")+"/api/auth/user", nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request user: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "livegate-credentials.json"
	}
	return filepath.Join(dir, "livegate", "credentials.json")
}
