// Package cmd is the cobra command tree for ccm-tool: every command spec.md
// §6 lists, wired against the session façade and the persistent store.
// Grounded on the teacher's cmd/root.go (persistent flags, version command,
// reader auto-selection) generalized from a single-card SIM reader to a
// GlobalPlatform/OTA management tool where most commands open, use, and
// close their own card session within one process invocation — a CLI
// process cannot keep a PC/SC handle or secure-channel key schedule alive
// between separate invocations, so "connect" and "establish-secure-channel"
// are reachability/credential checks rather than state that persists past
// the command that ran them (see DESIGN.md's CLI process model decision).
package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/veenone/ccm-tool/output"
	"github.com/veenone/ccm-tool/session"
	"github.com/veenone/ccm-tool/store"
)

var version = "1.0.0"

var (
	readerName  string
	storePath   string
	outputJSON  bool
	connectWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "ccm-tool",
	Short:   "GlobalPlatform smartcard management agent",
	Long:    "ccm-tool manages GlobalPlatform security domains and applications over a local PC/SC reader, and generates SCP02/SCP03-secured SMS-PP OTA messages for remote life-cycle management.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&readerName, "reader", "r", "", "PC/SC reader name (required for card-facing commands)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", defaultStorePath(), "path to the keyset/template/message store")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "suppress decorative output (success/warning banners)")
	rootCmd.PersistentFlags().DurationVar(&connectWait, "wait", 5*time.Second, "how long to wait for a card to be present when connecting")

	rootCmd.AddCommand(listReadersCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)

	rootCmd.AddCommand(listKeysetsCmd)
	rootCmd.AddCommand(addKeysetCmd)
	rootCmd.AddCommand(deleteKeysetCmd)
	rootCmd.AddCommand(exportKeysetsCmd)
	rootCmd.AddCommand(importKeysetsCmd)
	rootCmd.AddCommand(listValueSetsCmd)

	rootCmd.AddCommand(establishSecureChannelCmd)
	rootCmd.AddCommand(closeSecureChannelCmd)

	rootCmd.AddCommand(listApplicationsCmd)
	rootCmd.AddCommand(listSecurityDomainsCmd)
	rootCmd.AddCommand(cardInfoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(createSecurityDomainCmd)
	rootCmd.AddCommand(clfdbCmd)
	rootCmd.AddCommand(extraditeCmd)

	rootCmd.AddCommand(otaCLFDBCmd)
	rootCmd.AddCommand(otaCustomCmd)
	rootCmd.AddCommand(otaListCmd)
	rootCmd.AddCommand(otaTemplatesCmd)
}

func defaultStorePath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.ccm-tool.db"
	}
	return "ccm-tool.db"
}

// GetVersion returns the current tool version string.
func GetVersion() string { return version }

// openStore opens the persistent store at the --store path, reporting a
// store-layer failure the same way every other command reports one.
func openStore() (*store.Store, error) {
	s, err := store.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", storePath, err)
	}
	return s, nil
}

// newSession builds a session façade over the store and the production
// PC/SC dialer (spec.md Design Note 9 — dependency injection, never a
// global singleton).
func newSession(st *store.Store) *session.Session {
	return session.New(st, session.DialPCSC)
}

// requireReader validates that --reader was supplied before a card-facing
// command dials out (spec.md §7 InputError).
func requireReader() error {
	if readerName == "" {
		return fmt.Errorf("cmd: --reader is required for this command")
	}
	return nil
}

// Execute runs the command tree and returns the process exit code spec.md
// §6 defines (0 success, 1 user error, 2 card/protocol error, 3 transport
// error).
func Execute() int {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ec *exitCodeError
		if errors.As(err, &ec) {
			code = ec.code
		}
		output.PrintError(err.Error())
		return code
	}
	return 0
}
