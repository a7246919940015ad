package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Permission
		ok    bool
	}{
		{
			name:  "simple action",
			input: "expense.view",
			want:  Permission{Code: "expense", Action: ActionView},
			ok:    true,
		},
		{
			name:  "dotted action splits at first dot",
			input: "expense.approval.approve",
			want:  Permission{Code: "expense", Action: ActionApprovalApprove},
			ok:    true,
		},
		{
			name:  "flow management permission",
			input: "approval.flow.create",
			want:  Permission{Code: FlowBusinessCode, Action: ActionFlowCreate},
			ok:    true,
		},
		{name: "empty string", input: "", ok: false},
		{name: "wildcard is not a pair", input: "*", ok: false},
		{name: "no dot", input: "expense", ok: false},
		{name: "leading dot", input: ".view", ok: false},
		{name: "trailing dot", input: "expense.", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePermission(tt.input)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestPermissionString(t *testing.T) {
	p := Permission{Code: "purchase_order", Action: ActionApprovalReject}
	assert.Equal(t, "purchase_order.approval.reject", p.String())

	// String and ParsePermission are inverses.
	parsed, ok := ParsePermission(p.String())
	require.True(t, ok)
	assert.Equal(t, p, parsed)
}

func TestNewPermissionSet(t *testing.T) {
	s := NewPermissionSet(
		"expense.view",
		"expense.view", // duplicate collapses
		"expense.approval.approve",
		"not-a-permission",
		"",
	)

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.All())
	assert.True(t, s.Contains(Permission{Code: "expense", Action: ActionView}))
	assert.True(t, s.Contains(Permission{Code: "expense", Action: ActionApprovalApprove}))
	assert.False(t, s.Contains(Permission{Code: "expense", Action: ActionDelete}))
}

func TestPermissionSetWildcard(t *testing.T) {
	s := NewPermissionSet("expense.view", Wildcard)

	assert.True(t, s.All())
	assert.True(t, s.Contains(Permission{Code: "anything", Action: ActionFlowDelete}))
}

func TestUniversalSet(t *testing.T) {
	s := UniversalSet()
	assert.True(t, s.All())
	assert.True(t, s.Contains(Permission{Code: "expense", Action: ActionApprovalManage}))
	assert.Equal(t, 0, s.Len())
}

func TestPermissionSetStrings(t *testing.T) {
	s := NewPermissionSet("expense.view", "contract.update", Wildcard)
	assert.Equal(t, []string{"*", "contract.update", "expense.view"}, s.Strings())

	var empty PermissionSet
	assert.Empty(t, empty.Strings())
}

func TestZeroPermissionSetIsEmpty(t *testing.T) {
	var s PermissionSet
	assert.False(t, s.All())
	assert.False(t, s.Contains(Permission{Code: "expense", Action: ActionView}))
}
