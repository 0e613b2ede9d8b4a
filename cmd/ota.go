package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veenone/ccm-tool/ota"
	"github.com/veenone/ccm-tool/output"
)

var (
	otaTemplateName string
	otaKeysetName   string
	otaValueSet     string
	otaStatus       string
	otaTargetAID    string
	otaType         string
)

var otaOpNames = map[string]ota.Operation{
	"LOCK":            ota.OpLock,
	"UNLOCK":          ota.OpUnlock,
	"TERMINATE":       ota.OpTerminate,
	"MAKE_SELECTABLE": ota.OpMakeSelectable,
}

var otaCLFDBCmd = &cobra.Command{
	Use:   "ota-clfdb <aid> <LOCK|UNLOCK|TERMINATE|MAKE_SELECTABLE>",
	Short: "Generate and persist a CLFDB SMS-PP OTA message (does not require a reader)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		aid, err := parseAID(args[0])
		if err != nil {
			return fail(err)
		}
		op, ok := otaOpNames[args[1]]
		if !ok {
			return fail(fmt.Errorf("cmd: unknown CLFDB operation %q", args[1]))
		}
		if otaTemplateName == "" || otaKeysetName == "" {
			return fail(fmt.Errorf("cmd: --template and --keyset are required"))
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		msg, err := ota.GenerateCLFDB(st, ota.GenerateCLFDBParams{
			TemplateName: otaTemplateName, TargetAID: aid, Operation: op,
			KeysetName: otaKeysetName, ValueSet: otaValueSet,
		})
		if err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("generated OTA message #%d for %s", msg.ID, args[1]))
		output.PrintOTAMessageDetail(msg)
		return nil
	},
}

var otaCustomCmd = &cobra.Command{
	Use:   "ota-custom <aid> <apdu-hex>",
	Short: "Generate and persist a custom-APDU SMS-PP OTA message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		aid, err := parseAID(args[0])
		if err != nil {
			return fail(err)
		}
		if otaTemplateName == "" || otaKeysetName == "" {
			return fail(fmt.Errorf("cmd: --template and --keyset are required"))
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		msg, err := ota.GenerateCustom(st, otaTemplateName, aid, args[1], otaKeysetName, otaValueSet)
		if err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("generated custom OTA message #%d", msg.ID))
		output.PrintOTAMessageDetail(msg)
		return nil
	},
}

var otaListCmd = &cobra.Command{
	Use:   "ota-list",
	Short: "List generated OTA messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		msgs, err := st.ListMessages(otaStatus, otaTargetAID)
		if err != nil {
			return fail(err)
		}
		output.PrintOTAMessages(msgs)
		return nil
	},
}

var otaTemplatesCmd = &cobra.Command{
	Use:   "ota-templates",
	Short: "List OTA command templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()

		templates, err := st.ListTemplates(otaType)
		if err != nil {
			return fail(err)
		}
		output.PrintTemplates(templates)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{otaCLFDBCmd, otaCustomCmd} {
		c.Flags().StringVar(&otaTemplateName, "template", "", "OTA template name")
		c.Flags().StringVar(&otaKeysetName, "keyset", "", "keyset name to secure the command with")
		c.Flags().StringVar(&otaValueSet, "value-set", "production", "value set the keyset belongs to")
	}
	otaListCmd.Flags().StringVar(&otaStatus, "status", "", "filter by status (PENDING, SENT, DELIVERED, FAILED)")
	otaListCmd.Flags().StringVar(&otaTargetAID, "target-aid", "", "filter by target AID, hex")
	otaTemplatesCmd.Flags().StringVar(&otaType, "type", "", "filter by template type")
}
