package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/repolens/repolens/internal/credentials"
	"github.com/repolens/repolens/internal/model"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider API keys",
	Long: `Store, inspect, and remove provider API keys. Keys live in
~/.repolens/credentials.yaml (mode 0600). When the engine starts it
resolves a key in order: the store, then REPOLENS_<PROVIDER>_API_KEY,
then the provider's conventional variable (ANTHROPIC_API_KEY,
OPENAI_API_KEY).`,
}

func init() {
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authListCmd)
}

func openStore() (*credentials.Store, error) {
	path, err := credentials.DefaultPath()
	if err != nil {
		return nil, err
	}
	return credentials.NewStore(path), nil
}

// storeKey validates and persists one provider key.
func storeKey(provider, key string) error {
	provider = credentials.Normalize(provider)
	if provider == "" {
		return fmt.Errorf("provider must not be empty")
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Set(provider, key); err != nil {
		return err
	}
	fmt.Printf("stored key for %s (%s)\n", provider, credentials.Mask(key))
	return nil
}

var authSetCmd = &cobra.Command{
	Use:   "set <provider> <key>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return storeKey(args[0], args[1])
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login <provider>",
	Short: "Prompt for an API key and store it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := credentials.Normalize(args[0])
		fmt.Fprintf(os.Stderr, "API key for %s: ", provider)

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return storeKey(provider, strings.TrimSpace(line))
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <provider>",
	Short: "Remove a stored API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := credentials.Normalize(args[0])

		st, err := openStore()
		if err != nil {
			return err
		}
		found, err := st.Delete(provider)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no stored key for %s", provider)
		}
		fmt.Printf("removed key for %s\n", provider)
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolvable API keys (masked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		// Union of stored providers and the model catalog's providers,
		// so environment-only keys show up too.
		stored, err := st.Providers()
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(stored))
		providers := append([]string{}, stored...)
		for _, p := range stored {
			seen[p] = true
		}
		for _, m := range model.NewRegistry().List() {
			if !seen[m.Provider] {
				seen[m.Provider] = true
				providers = append(providers, m.Provider)
			}
		}
		sort.Strings(providers)

		fmt.Printf("%-12s %-22s %s\n", "PROVIDER", "KEY", "SOURCE")
		for _, p := range providers {
			cred, err := st.Resolve(p)
			if err != nil {
				fmt.Printf("%-12s %-22s %s\n", p, "-", "not configured")
				continue
			}
			fmt.Printf("%-12s %-22s %s\n", p, credentials.Mask(cred.Value), cred.Source)
		}
		return nil
	},
}
