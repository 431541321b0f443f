package redisstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"gateway:audit:", "gateway:audit:*"},
		{"a*b", `a\*b*`},
		{"what?", `what\?*`},
		{"[x]", `\[x\]*`},
		{`back\slash`, `back\\slash*`},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			require.Equal(t, tt.want, matchPrefix(tt.prefix))
		})
	}
}
