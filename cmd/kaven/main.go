// Command kaven is the developer CLI. It authenticates against the auth
// service with the device-authorization grant and keeps the resulting
// tokens in the local credential store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kavenhq/kaven/internal/config"
	"github.com/kavenhq/kaven/internal/deviceflow"
	"github.com/kavenhq/kaven/pkg/authclient"
)

const clientID = "kaven-cli"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	baseURL := config.EnvDefault("KAVEN_API_URL", "http://localhost:8080")

	store, err := deviceflow.DefaultFileStore()
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "login":
		err = login(ctx, baseURL, store)
	case "logout":
		err = logout(ctx, baseURL, store)
	case "whoami":
		err = whoami(ctx, baseURL, store)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kaven <login|logout|whoami>")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func login(ctx context.Context, baseURL string, store *deviceflow.FileStore) error {
	if creds, err := store.GetCredentials(); err == nil && creds != nil {
		if profile, err := authclient.NewClient(baseURL).Me(ctx, creds.AccessToken); err == nil {
			fmt.Printf("already logged in as %s\n", profile.Email)
			return nil
		}
	}

	flow := &deviceflow.Flow{
		BaseURL:     baseURL,
		ClientID:    clientID,
		Credentials: store,
		OnCode: func(code deviceflow.DeviceCode) {
			fmt.Println("To continue, authorize this device in your browser:")
			fmt.Println()
			fmt.Printf("  URL:  %s\n", code.VerificationURIComplete)
			fmt.Printf("  Code: %s\n", code.UserCode)
			fmt.Println()
		},
		OnState: func(s deviceflow.State) {
			if s == deviceflow.StatePolling {
				fmt.Println("Waiting for authorization...")
			}
		},
	}

	creds, err := flow.Login(ctx)
	switch {
	case errors.Is(err, deviceflow.ErrAccessDenied):
		return errors.New("authorization was denied")
	case errors.Is(err, deviceflow.ErrCodeExpired), errors.Is(err, deviceflow.ErrTimeout):
		return errors.New("the device code expired before the device was authorized, run `kaven login` again")
	case err != nil:
		return err
	}

	profile, err := authclient.NewClient(baseURL).Me(ctx, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("logged in, but fetching the profile failed: %w", err)
	}
	fmt.Printf("logged in as %s\n", profile.Email)
	return nil
}

func logout(ctx context.Context, baseURL string, store *deviceflow.FileStore) error {
	creds, err := store.GetCredentials()
	if err != nil {
		return err
	}
	if creds == nil {
		fmt.Println("not logged in")
		return nil
	}

	// Revoke the server-side session first; local credentials go regardless.
	if err := authclient.NewClient(baseURL).Logout(ctx, creds.AccessToken); err != nil {
		fmt.Fprintln(os.Stderr, "warning: server-side logout failed:", err)
	}
	if err := store.DeleteCredentials(); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func whoami(ctx context.Context, baseURL string, store *deviceflow.FileStore) error {
	creds, err := store.GetCredentials()
	if err != nil {
		return err
	}
	if creds == nil {
		fmt.Println("not logged in")
		return nil
	}

	client := authclient.NewClient(baseURL)
	profile, err := client.Me(ctx, creds.AccessToken)
	if err != nil {
		// The access token is short-lived; try a refresh before giving up.
		pair, rerr := client.Refresh(ctx, creds.RefreshToken)
		if rerr != nil {
			return errors.New("session expired, run `kaven login`")
		}
		creds.AccessToken = pair.AccessToken
		creds.RefreshToken = pair.RefreshToken
		if err := store.SaveCredentials(*creds); err != nil {
			return err
		}
		if profile, err = client.Me(ctx, creds.AccessToken); err != nil {
			return err
		}
	}

	fmt.Printf("User:   %s %s\n", profile.FirstName, profile.LastName)
	fmt.Printf("Email:  %s\n", profile.Email)
	fmt.Printf("ID:     %s\n", profile.ID)
	if profile.Tenant != nil {
		fmt.Printf("Tenant: %s (%s)\n", profile.Tenant.Name, profile.Tenant.Subdomain)
	}
	return nil
}
