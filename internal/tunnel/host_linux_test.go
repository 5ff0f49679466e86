//go:build linux

package tunnel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"frameworks/api_tunnel/internal/apperr"
)

func TestIptablesErrorClassification(t *testing.T) {
	rule := Rule{Family: FamilyIPv4, Table: "nat", Chain: "POSTROUTING", Args: []string{"-o", "eth0", "-j", "MASQUERADE"}}
	exit := errors.New("exit status 4")

	cases := []struct {
		name       string
		stderr     string
		privileged bool
	}{
		{"not root", "iptables v1.8.7 (nf_tables): Could not fetch rule set generation id: Permission denied (you must be root)\n", true},
		{"legacy denied", "iptables: Permission denied.\n", true},
		{"bad chain", "iptables: No chain/target/match by that name.\n", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, what := range []string{"check rule", "iptables -A"} {
				err := iptablesError(what, rule, exit, tc.stderr)
				require.Error(t, err)
				require.Equal(t, tc.privileged, apperr.IsPrivilege(err), what)
				require.Contains(t, err.Error(), "nat/POSTROUTING")
			}
		})
	}
}

func TestDeniedByIptablesIgnoresAbsentRule(t *testing.T) {
	require.False(t, deniedByIptables("iptables: Bad rule (does a matching rule exist in that chain?).\n"))
	require.True(t, deniedByIptables("Permission denied (you must be root)"))
}
