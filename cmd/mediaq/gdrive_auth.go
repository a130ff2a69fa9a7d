package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"mediaq/internal/config"
	"mediaq/internal/pkg/errors"
)

var authTimeout time.Duration

// gdriveAuthCmd runs the installed-app OAuth flow once and prints the
// refresh token the gdrive storage backend needs.
var gdriveAuthCmd = &cobra.Command{
	Use:   "gdrive-auth",
	Short: "Obtain a Google Drive refresh token for the gdrive storage backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// only the OAuth client is needed; skip full validation
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err == nil {
				cfg = loaded
			}
		}
		g := cfg.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" {
			return errors.ValidationField("storage.gdrive", "client_id and client_secret are required (MEDIAQ_GDRIVE_CLIENT_ID, MEDIAQ_GDRIVE_CLIENT_SECRET)")
		}
		return gdriveAuth(cmd.Context(), cmd.OutOrStdout(), g, authTimeout)
	},
}

func init() {
	gdriveAuthCmd.Flags().DurationVar(&authTimeout, "timeout", 3*time.Minute, "how long to wait for the browser callback")
	rootCmd.AddCommand(gdriveAuthCmd)
}

func gdriveAuth(ctx context.Context, out io.Writer, g config.GDriveConfig, timeout time.Duration) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "gdrive-auth", "listen for callback")
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     google.Endpoint,
		// files created by this app only
		Scopes:      []string{drive.DriveFileScope},
		RedirectURL: redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", callbackHandler(state, codeCh, errCh))
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(out, "\nOpen this URL in your browser:\n\n%s\n\nWaiting for authorization on %s\n", authURL, redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return errors.Timeout("gdrive-auth callback")
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnauthorized, "gdrive-auth", "exchange authorization code")
	}
	// Google omits the refresh token when the app was already authorized
	// without prompt=consent.
	if strings.TrimSpace(tok.RefreshToken) == "" {
		fmt.Fprintln(out, "\nNo refresh token was returned. Revoke the app at https://myaccount.google.com/permissions and run this again.")
		return errors.New(errors.CodeFailedPrecond, "no refresh token returned")
	}

	fmt.Fprintf(out, "\nMEDIAQ_GDRIVE_REFRESH_TOKEN=%s\n", tok.RefreshToken)
	return nil
}

func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.HandlerFunc {
	fail := func(w http.ResponseWriter, msg string) {
		http.Error(w, msg, http.StatusBadRequest)
		select {
		case errCh <- errors.New(errors.CodeUnauthorized, msg):
		default:
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			fail(w, "invalid state")
		case q.Get("error") != "":
			fail(w, "auth error: "+q.Get("error"))
		case q.Get("code") == "":
			fail(w, "missing code")
		default:
			fmt.Fprintln(w, "Authorized. You can close this window and return to the terminal.")
			select {
			case codeCh <- q.Get("code"):
			default:
			}
		}
	}
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
