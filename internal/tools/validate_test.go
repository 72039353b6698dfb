package tools

import (
	"testing"

	xerrors "AgentHive-Chain/internal/errors"
)

func balanceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{"type": "string"},
			"block":   map[string]any{"type": "integer"},
			"pending": map[string]any{"type": "boolean"},
			"filters": map[string]any{"type": "array"},
			"options": map[string]any{"type": "object"},
			"ratio":   map[string]any{"type": "number"},
		},
		"required": []string{"address"},
	}
}

func TestValidateArguments(t *testing.T) {
	cases := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{
			name: "valid full set",
			args: map[string]any{
				"address": "0xabc",
				"block":   float64(12), // JSON 解码出来的整数是 float64
				"pending": true,
				"filters": []any{"a"},
				"options": map[string]any{"k": "v"},
				"ratio":   0.5,
			},
		},
		{name: "missing required", args: map[string]any{"block": 1}, wantErr: true},
		{name: "undeclared field", args: map[string]any{"address": "0xabc", "extra": 1}, wantErr: true},
		{name: "wrong string type", args: map[string]any{"address": 42}, wantErr: true},
		{name: "fractional integer", args: map[string]any{"address": "0xabc", "block": 1.5}, wantErr: true},
		{name: "integral float accepted", args: map[string]any{"address": "0xabc", "block": float64(7)}},
		{name: "wrong boolean type", args: map[string]any{"address": "0xabc", "pending": "yes"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArguments(balanceSchema(), tc.args)
			if tc.wantErr {
				if xerrors.CodeOf(err) != xerrors.CodeInvalidArguments {
					t.Fatalf("expected INVALID_ARGUMENTS, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateArgumentsNilSchema(t *testing.T) {
	if err := ValidateArguments(nil, map[string]any{"anything": "goes"}); err != nil {
		t.Fatalf("nil schema should accept anything: %v", err)
	}
}
