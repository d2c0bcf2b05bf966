package cli

import (
	"fmt"

	"github.com/harun/dosolink/internal/client"
	"github.com/harun/dosolink/pkg/identity"
	"github.com/spf13/cobra"
)

var showSecret bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect or replace the stored identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored identity",
	Args:  cobra.NoArgs,
	RunE:  runIdentityShow,
}

var identitySetCmd = &cobra.Command{
	Use:   "set <id> <secret>",
	Short: "Store an identity issued out of band",
	Args:  cobra.ExactArgs(2),
	RunE:  runIdentitySet,
}

func init() {
	identityShowCmd.Flags().BoolVar(&showSecret, "show-secret", false, "print the secret in clear")
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identitySetCmd)
	rootCmd.AddCommand(identityCmd)
}

func openIdentity(cmd *cobra.Command) (*identity.Identity, *identity.SQLiteStore, error) {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	store, err := identity.OpenSQLiteStore(cfg.Identity.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	id, err := identity.New(store, client.Fingerprint(cfg))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return id, store, nil
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	id, store, err := openIdentity(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Fingerprint: %s\n", id.Fingerprint())
	if !id.Registered() {
		fmt.Fprintln(out, "Status: not registered")
		return nil
	}

	secret := maskSecret(id.Secret())
	if showSecret {
		secret = id.Secret()
	}
	fmt.Fprintln(out, "Status: registered")
	fmt.Fprintf(out, "ID: %s\n", id.ID())
	fmt.Fprintf(out, "Secret: %s\n", secret)
	return nil
}

func runIdentitySet(cmd *cobra.Command, args []string) error {
	id, store, err := openIdentity(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := id.SetIDAndSecret(args[0], args[1]); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Identity %s stored for %s\n", args[0], id.Fingerprint())
	return nil
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
