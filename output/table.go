// Package output renders GlobalPlatform registry entries, keysets,
// templates, and OTA messages as colored terminal tables, grounded on the
// teacher's table/color conventions (newTable, getTableStyle, the
// colorHeader/colorLabel/colorValue family, PrintError/PrintSuccess/
// PrintWarning) generalized from SIM file dumps to the card-management
// domain.
package output

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/reader"
	"github.com/veenone/ccm-tool/store"
)

// Color styles
var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorLabel   = text.Colors{text.FgYellow}
	colorValue   = text.Colors{text.FgWhite}
	colorSuccess = text.Colors{text.FgGreen}
	colorError   = text.Colors{text.FgRed}
	colorWarn    = text.Colors{text.FgYellow}

	colorPending = text.Colors{text.FgYellow}
	colorSent    = text.Colors{text.FgCyan}
	colorFailed  = text.Colors{text.FgRed}

	colorSSD  = text.Colors{text.FgMagenta}
	colorISD  = text.Colors{text.FgCyan}
	colorDMSD = text.Colors{text.FgBlue}
	colorApp  = text.Colors{text.FgWhite}
)

// getTableStyle returns the default table style
func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

// newTable creates a new table writer with default settings
func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	t.Style().Options.SeparateRows = false
	return t
}

// PrintReaderList prints the available PC/SC reader names.
func PrintReaderList(readers []string) {
	fmt.Println()
	t := newTable()
	t.SetTitle("AVAILABLE SMART CARD READERS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 8},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})

	if len(readers) == 0 {
		t.AppendRow(table.Row{"Status", colorWarn.Sprint("No readers found")})
	} else {
		for i, r := range readers {
			t.AppendRow(table.Row{fmt.Sprintf("[%d]", i), r})
		}
	}
	t.Render()
}

func kindColor(k globalplatform.Kind) text.Colors {
	switch k {
	case globalplatform.KindISD:
		return colorISD
	case globalplatform.KindSSD:
		return colorSSD
	case globalplatform.KindDMSD:
		return colorDMSD
	default:
		return colorApp
	}
}

// PrintEntries prints a GET STATUS registry listing (security domains or
// applications; spec.md §4.5 scenario S3).
func PrintEntries(title string, entries []globalplatform.Entry) {
	fmt.Println()
	t := newTable()
	t.SetTitle(title)
	t.AppendHeader(table.Row{"AID", "Kind", "Life Cycle", "Privileges"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorValue, WidthMin: 32},
		{Number: 2, WidthMin: 12},
		{Number: 3, Colors: colorLabel, WidthMin: 10},
		{Number: 4, Colors: colorLabel, WidthMin: 10},
	})

	if len(entries) == 0 {
		t.AppendRow(table.Row{colorWarn.Sprint("no entries"), "", "", ""})
	}
	for _, e := range entries {
		t.AppendRow(table.Row{
			hex.EncodeToString(e.AID),
			kindColor(e.Kind).Sprint(string(e.Kind)),
			fmt.Sprintf("%02X", e.LifeCycle),
			fmt.Sprintf("%02X", e.Privileges),
		})
	}
	t.Render()
}

// PrintKeysets prints a listing of stored keysets (spec.md §3 Keyset).
func PrintKeysets(keysets []store.Keyset) {
	fmt.Println()
	t := newTable()
	t.SetTitle("KEYSETS")
	t.AppendHeader(table.Row{"Name", "Value Set", "Protocol", "KVN", "Sec Level", "Description"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 16},
		{Number: 2, Colors: colorValue, WidthMin: 12},
		{Number: 3, Colors: colorValue, WidthMin: 8},
		{Number: 4, Colors: colorValue, WidthMin: 5},
		{Number: 5, Colors: colorValue, WidthMin: 9},
		{Number: 6, Colors: colorValue, WidthMin: 20},
	})

	if len(keysets) == 0 {
		t.AppendRow(table.Row{colorWarn.Sprint("no keysets"), "", "", "", "", ""})
	}
	for _, k := range keysets {
		t.AppendRow(table.Row{k.Name, k.ValueSet, k.Protocol, k.KeyVersion, k.SecurityLevel, k.Description})
	}
	t.Render()
}

// PrintKeyset prints the full detail of a single keyset, including key
// material, for inspection by an operator who already holds it.
func PrintKeyset(k store.Keyset) {
	fmt.Println()
	t := newTable()
	t.SetTitle(fmt.Sprintf("KEYSET: %s / %s", k.Name, k.ValueSet))
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 16},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Protocol", k.Protocol})
	t.AppendRow(table.Row{"Key Version", k.KeyVersion})
	t.AppendRow(table.Row{"Security Level", k.SecurityLevel})
	t.AppendRow(table.Row{"ENC", k.EncKeyHex})
	t.AppendRow(table.Row{"MAC", k.MACKeyHex})
	t.AppendRow(table.Row{"DEK", k.DEKKeyHex})
	if k.Description != "" {
		t.AppendRow(table.Row{"Description", k.Description})
	}
	t.AppendRow(table.Row{"Created", k.CreatedAt})
	t.AppendRow(table.Row{"Updated", k.UpdatedAt})
	t.Render()
}

// PrintValueSets prints the distinct value-set names present in the store.
func PrintValueSets(sets []string) {
	fmt.Println()
	t := newTable()
	t.SetTitle("VALUE SETS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorValue, WidthMin: 20},
	})
	if len(sets) == 0 {
		t.AppendRow(table.Row{colorWarn.Sprint("no value sets")})
	}
	for _, v := range sets {
		t.AppendRow(table.Row{v})
	}
	t.Render()
}

// PrintTemplates prints the stored OTA command templates (spec.md §4.7).
func PrintTemplates(templates []store.OTATemplate) {
	fmt.Println()
	t := newTable()
	t.SetTitle("OTA TEMPLATES")
	t.AppendHeader(table.Row{"Name", "Type", "TAR", "SPI", "KIc/KID", "Counter"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 16},
		{Number: 2, Colors: colorValue, WidthMin: 8},
		{Number: 3, Colors: colorValue, WidthMin: 8},
		{Number: 4, Colors: colorValue, WidthMin: 6},
		{Number: 5, Colors: colorValue, WidthMin: 9},
		{Number: 6, Colors: colorValue, WidthMin: 8},
	})

	if len(templates) == 0 {
		t.AppendRow(table.Row{colorWarn.Sprint("no templates"), "", "", "", "", ""})
	}
	for _, tpl := range templates {
		t.AppendRow(table.Row{
			tpl.Name, tpl.Type, tpl.TARHex, tpl.SPIHex,
			fmt.Sprintf("%s/%s", tpl.KIcHex, tpl.KIDHex), tpl.Counter,
		})
	}
	t.Render()
}

func statusColor(status string) text.Colors {
	switch status {
	case "PENDING":
		return colorPending
	case "SENT":
		return colorSent
	case "FAILED":
		return colorFailed
	default:
		return colorValue
	}
}

// PrintOTAMessages prints generated SMS-PP envelopes pending or already
// delivered out-of-band (spec.md §4.7, §4.9).
func PrintOTAMessages(messages []store.OTAMessage) {
	fmt.Println()
	t := newTable()
	t.SetTitle("OTA MESSAGES")
	t.AppendHeader(table.Row{"ID", "Target AID", "Operation", "Status", "Created"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 5},
		{Number: 2, Colors: colorValue, WidthMin: 24},
		{Number: 3, Colors: colorValue, WidthMin: 14},
		{Number: 5, Colors: colorValue, WidthMin: 20},
	})

	if len(messages) == 0 {
		t.AppendRow(table.Row{colorWarn.Sprint("no messages"), "", "", "", ""})
	}
	for _, m := range messages {
		t.AppendRow(table.Row{
			m.ID, m.TargetAID, m.Operation,
			statusColor(m.Status).Sprint(m.Status), m.CreatedAt,
		})
	}
	t.Render()
}

// PrintOTAMessageDetail prints one OTA message's full wire representation —
// the SMS-DELIVER TPDU ready for delivery, plus its UDH/user-data split.
func PrintOTAMessageDetail(m store.OTAMessage) {
	fmt.Println()
	t := newTable()
	t.SetTitle(fmt.Sprintf("OTA MESSAGE #%d", m.ID))
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 14},
		{Number: 2, Colors: colorValue, WidthMin: 60},
	})
	t.AppendRow(table.Row{"Target AID", m.TargetAID})
	t.AppendRow(table.Row{"Operation", m.Operation})
	t.AppendRow(table.Row{"Status", statusColor(m.Status).Sprint(m.Status)})
	t.AppendRow(table.Row{"UDH", m.UDHHex})
	t.AppendRow(table.Row{"User Data", m.UserDataHex})
	t.AppendRow(table.Row{"SMS-TPDU", m.SMSTPDUHex})
	t.AppendRow(table.Row{"Created", m.CreatedAt})
	t.Render()
}

// PrintSessionStatus prints the connection/secure-channel state of a
// session façade, for the `status` command.
func PrintSessionStatus(readerName string, connected bool, protocol string, level string) {
	fmt.Println()
	t := newTable()
	t.SetTitle("SESSION STATUS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, Colors: colorValue, WidthMin: 30},
	})
	if connected {
		t.AppendRow(table.Row{"Reader", readerName})
		t.AppendRow(table.Row{"Connected", colorSuccess.Sprint("yes")})
	} else {
		t.AppendRow(table.Row{"Connected", colorWarn.Sprint("no")})
	}
	if protocol != "" {
		t.AppendRow(table.Row{"Secure Channel", protocol})
		t.AppendRow(table.Row{"Security Level", level})
	} else {
		t.AppendRow(table.Row{"Secure Channel", colorWarn.Sprint("not established")})
	}
	t.Render()
}

// PrintCardInfo renders a card's ATR descriptor.
func PrintCardInfo(info reader.CardInfo) {
	fmt.Println()
	t := newTable()
	t.SetTitle("CARD INFO")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, Colors: colorValue, WidthMin: 30},
	})
	t.AppendRow(table.Row{"ATR", hex.EncodeToString(info.ATR)})
	if len(info.Historical) > 0 {
		t.AppendRow(table.Row{"Historical Bytes", hex.EncodeToString(info.Historical)})
		t.AppendRow(table.Row{"Category", info.Category})
	} else {
		t.AppendRow(table.Row{"Historical Bytes", colorWarn.Sprint("none")})
	}
	t.Render()
}

// PrintError prints an error message
func PrintError(msg string) {
	fmt.Println(colorError.Sprintf("✗ Error: %s", msg))
}

// PrintSuccess prints a success message
func PrintSuccess(msg string) {
	fmt.Println(colorSuccess.Sprintf("✓ %s", msg))
}

// PrintWarning prints a warning message
func PrintWarning(msg string) {
	fmt.Println(colorWarn.Sprintf("⚠ %s", msg))
}
