package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/output"
)

var (
	gpKeyset      string
	gpValueSet    string
	gpKVN         int
	gpSecLevel    int
	sdType        string
	sdPrivileges  string
	clfdbOp       string
	clfdbTargetSD bool
)

func parseAID(s string) ([]byte, error) {
	aid, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cmd: invalid AID hex %q: %w", s, err)
	}
	if len(aid) < 5 || len(aid) > 16 {
		return nil, fmt.Errorf("cmd: AID must be 5-16 bytes, got %d", len(aid))
	}
	return aid, nil
}

func init() {
	for _, c := range []*cobra.Command{createSecurityDomainCmd, clfdbCmd, extraditeCmd, listApplicationsCmd, listSecurityDomainsCmd, statusCmd} {
		c.Flags().StringVar(&gpKeyset, "keyset", "", "keyset name to establish a secure channel with")
		c.Flags().StringVar(&gpValueSet, "value-set", "production", "value set the keyset belongs to")
		c.Flags().IntVar(&gpKVN, "kvn", 1, "key version number")
		c.Flags().IntVar(&gpSecLevel, "security-level", 3, "1 CMAC, 2 CMAC+ENC, 3 CMAC+ENC+RMAC")
	}
	createSecurityDomainCmd.Flags().StringVar(&sdType, "type", "SSD", "SSD, AMSD, or DMSD (informational; privileges control behavior)")
	createSecurityDomainCmd.Flags().StringVar(&sdPrivileges, "privileges", "0x80", "privilege byte, hex (0x80 sets the Security Domain bit)")
	clfdbCmd.Flags().StringVar(&clfdbOp, "operation", "", "lock, unlock, terminate, or make_selectable")
	clfdbCmd.Flags().BoolVar(&clfdbTargetSD, "target-sd", false, "the target AID is a security domain, not an application")
}

var listApplicationsCmd = &cobra.Command{
	Use:   "list-applications",
	Short: "List registered applications (GET STATUS)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireReader(); err != nil {
			return fail(err)
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()
		if gpKeyset != "" {
			level, err := securityLevelFromSpec(gpSecLevel)
			if err != nil {
				return fail(err)
			}
			if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), level); err != nil {
				return fail(err)
			}
		}
		entries, err := s.ListApplications()
		if err != nil {
			return fail(err)
		}
		output.PrintEntries("APPLICATIONS", entries)
		return nil
	},
}

var listSecurityDomainsCmd = &cobra.Command{
	Use:   "list-security-domains",
	Short: "List registered security domains (GET STATUS)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireReader(); err != nil {
			return fail(err)
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()
		if gpKeyset != "" {
			level, err := securityLevelFromSpec(gpSecLevel)
			if err != nil {
				return fail(err)
			}
			if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), level); err != nil {
				return fail(err)
			}
		}
		entries, err := s.ListSecurityDomains()
		if err != nil {
			return fail(err)
		}
		output.PrintEntries("SECURITY DOMAINS", entries)
		return nil
	},
}

var cardInfoCmd = &cobra.Command{
	Use:   "card-info",
	Short: "Show the card's ATR and Card Manager registry summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireReader(); err != nil {
			return fail(err)
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()

		info, err := s.CardInfo()
		if err != nil {
			return fail(err)
		}
		output.PrintCardInfo(info)

		sds, err := s.ListSecurityDomains()
		if err != nil {
			return fail(err)
		}
		apps, err := s.ListApplications()
		if err != nil {
			return fail(err)
		}
		output.PrintEntries("SECURITY DOMAINS", sds)
		output.PrintEntries("APPLICATIONS", apps)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the named reader is reachable and a secure channel can be opened",
	RunE: func(cmd *cobra.Command, args []string) error {
		if readerName == "" {
			output.PrintSessionStatus("", false, "", "")
			return nil
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			output.PrintSessionStatus(readerName, false, "", "")
			return fail(err)
		}
		defer s.Close()

		protocol, level := "", ""
		if gpKeyset != "" {
			lvl, err := securityLevelFromSpec(gpSecLevel)
			if err != nil {
				return fail(err)
			}
			if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), lvl); err != nil {
				return fail(err)
			}
			if p, l, ok := s.SecureChannelInfo(); ok {
				protocol, level = string(p), fmt.Sprintf("0x%02X", byte(l))
			}
		}
		output.PrintSessionStatus(readerName, true, protocol, level)
		return nil
	},
}

var createSecurityDomainCmd = &cobra.Command{
	Use:   "create-security-domain <aid>",
	Short: "Install and make selectable a new security domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		aid, err := parseAID(args[0])
		if err != nil {
			return fail(err)
		}
		priv, err := hex.DecodeString(trimHexPrefix(sdPrivileges))
		if err != nil || len(priv) != 1 {
			return fail(fmt.Errorf("cmd: --privileges must be one hex byte, got %q", sdPrivileges))
		}
		if err := requireReader(); err != nil {
			return fail(err)
		}
		if gpKeyset == "" {
			return fail(fmt.Errorf("cmd: --keyset is required: CREATE always runs under a secure channel"))
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()
		level, err := securityLevelFromSpec(gpSecLevel)
		if err != nil {
			return fail(err)
		}
		if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), level); err != nil {
			return fail(err)
		}
		if err := s.CreateSD(aid, priv[0]); err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("created security domain %s (%s, privileges %02X)", args[0], sdType, priv[0]))
		return nil
	},
}

var clfdbCmd = &cobra.Command{
	Use:   "clfdb <aid>",
	Short: "Apply a life-cycle transition (lock/unlock/terminate/make_selectable) to an AID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		aid, err := parseAID(args[0])
		if err != nil {
			return fail(err)
		}
		op := globalplatform.CLFDBOp(clfdbOp)
		if _, err := globalplatform.LifeCycleByte(op); err != nil {
			return fail(err)
		}
		if err := requireReader(); err != nil {
			return fail(err)
		}
		if gpKeyset == "" {
			return fail(fmt.Errorf("cmd: --keyset is required: CLFDB always runs under a secure channel"))
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()
		level, err := securityLevelFromSpec(gpSecLevel)
		if err != nil {
			return fail(err)
		}
		if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), level); err != nil {
			return fail(err)
		}
		if err := s.CLFDB(aid, op, clfdbTargetSD); err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("applied %s to %s", clfdbOp, args[0]))
		return nil
	},
}

var extraditeCmd = &cobra.Command{
	Use:   "extradite <object-aid> <target-sd-aid>",
	Short: "Reparent an application or package under a different security domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		objAID, err := parseAID(args[0])
		if err != nil {
			return fail(err)
		}
		sdAID, err := parseAID(args[1])
		if err != nil {
			return fail(err)
		}
		if err := requireReader(); err != nil {
			return fail(err)
		}
		if gpKeyset == "" {
			return fail(fmt.Errorf("cmd: --keyset is required: EXTRADITION always runs under a secure channel"))
		}
		st, err := openStore()
		if err != nil {
			return fail(err)
		}
		defer st.Close()
		s := newSession(st)
		if err := s.Connect(readerName, connectWait); err != nil {
			return fail(err)
		}
		defer s.Close()
		level, err := securityLevelFromSpec(gpSecLevel)
		if err != nil {
			return fail(err)
		}
		if err := s.EstablishSecureChannel(gpKeyset, gpValueSet, byte(gpKVN), level); err != nil {
			return fail(err)
		}
		if err := s.Extradite(objAID, sdAID); err != nil {
			return fail(err)
		}
		printSuccess(fmt.Sprintf("extradited %s to %s", args[0], args[1]))
		return nil
	},
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		return s[2:]
	}
	return s
}
