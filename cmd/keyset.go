package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veenone/ccm-tool/output"
	"github.com/veenone/ccm-tool/store"
)

var (
	keysetValueSet  string
	keysetProtocol  string
	keysetEnc       string
	keysetMAC       string
	keysetDEK       string
	keysetKVN       int
	keysetSecLevel  int
	keysetDesc      string
)

var listKeysetsCmd = &cobra.Command{
	Use:   "list-keysets",
	Short: "List keysets in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		keysets, err := st.ListKeysets(keysetValueSet, keysetProtocol)
		if err != nil {
			return fail(err)
		}
		output.PrintKeysets(keysets)
		return nil
	},
}

var addKeysetCmd = &cobra.Command{
	Use:   "add-keyset <name>",
	Short: "Add a keyset to a value set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		id, err := st.AddKeyset(store.Keyset{
			Name: args[0], ValueSet: keysetValueSet, Protocol: keysetProtocol,
			EncKeyHex: keysetEnc, MACKeyHex: keysetMAC, DEKKeyHex: keysetDEK,
			KeyVersion: keysetKVN, SecurityLevel: keysetSecLevel, Description: keysetDesc,
		})
		if err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("added keyset %q (id %d)", args[0], id))
		return nil
	},
}

var deleteKeysetCmd = &cobra.Command{
	Use:   "delete-keyset <name>",
	Short: "Soft-delete a keyset from a value set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		k, err := st.GetKeyset(args[0], keysetValueSet)
		if err != nil {
			return fail(err)
		}
		if err := st.DeleteKeyset(k.ID); err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("deleted keyset %q", args[0]))
		return nil
	},
}

var exportKeysetsCmd = &cobra.Command{
	Use:   "export-keysets <value-set> <file>",
	Short: "Export every active keyset in a value set to YAML",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		if err := st.ExportYAML(args[0], args[1]); err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("exported %s keysets to %s", args[0], args[1]))
		return nil
	},
}

var importKeysetsCmd = &cobra.Command{
	Use:   "import-keysets <file> <value-set>",
	Short: "Import keysets from YAML into a value set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		imported, skipped, err := st.ImportYAML(args[0], args[1])
		if err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("imported %d keysets into %s (%d skipped as duplicates)", imported, args[1], skipped))
		return nil
	},
}

var listValueSetsCmd = &cobra.Command{
	Use:   "list-value-sets",
	Short: "List the distinct value sets carrying active keysets",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		sets, err := st.ListValueSets()
		if err != nil {
			return fail(err)
		}
		output.PrintValueSets(sets)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{listKeysetsCmd, addKeysetCmd, deleteKeysetCmd} {
		c.Flags().StringVar(&keysetValueSet, "value-set", "production", "value set name")
	}
	listKeysetsCmd.Flags().StringVar(&keysetProtocol, "protocol", "", "filter by protocol (SCP02 or SCP03)")

	addKeysetCmd.Flags().StringVar(&keysetProtocol, "protocol", "SCP03", "SCP02 or SCP03")
	addKeysetCmd.Flags().StringVar(&keysetEnc, "enc-key", "", "ENC key, hex (16 or 24 bytes)")
	addKeysetCmd.Flags().StringVar(&keysetMAC, "mac-key", "", "MAC key, hex (16 or 24 bytes)")
	addKeysetCmd.Flags().StringVar(&keysetDEK, "dek-key", "", "DEK key, hex (16 or 24 bytes)")
	addKeysetCmd.Flags().IntVar(&keysetKVN, "kvn", 1, "key version number")
	addKeysetCmd.Flags().IntVar(&keysetSecLevel, "security-level", 3, "security level (1 CMAC, 2 CMAC+ENC, 3 CMAC+ENC+RMAC)")
	addKeysetCmd.Flags().StringVar(&keysetDesc, "description", "", "free-text description")
}
