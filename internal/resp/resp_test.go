package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateHeader(t *testing.T) {
	assert.Equal(t, []byte("*0\r\n"), AggregateHeader('*', 0))
	assert.Equal(t, []byte("*3\r\n"), AggregateHeader('*', 3))
	assert.Equal(t, []byte("$12\r\n"), AggregateHeader('$', 12))
	assert.Equal(t, []byte("*100\r\n"), AggregateHeader('*', 100))
	assert.Equal(t, []byte("%2\r\n"), AggregateHeader('%', 2))
	assert.Equal(t, []byte("$-1\r\n"), AggregateHeader('$', -1))
}

func TestAggregateHeaderSharesSmallValues(t *testing.T) {
	// Small headers come from the shared table, not a fresh allocation.
	a := AggregateHeader('*', 5)
	b := AggregateHeader('*', 5)
	require.NotEmpty(t, a)
	assert.Equal(t, &a[0], &b[0])
}

func TestSplitInlineArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
		ok   bool
	}{
		{"empty", "", []string{}, true},
		{"blank", "   \t ", []string{}, true},
		{"simple", "PING", []string{"PING"}, true},
		{"multiple", "SET key value", []string{"SET", "key", "value"}, true},
		{"extra spaces", "  SET   key  value ", []string{"SET", "key", "value"}, true},
		{"double quoted", `SET "a key" v`, []string{"SET", "a key", "v"}, true},
		{"escapes", `ECHO "a\r\nb\tc"`, []string{"ECHO", "a\r\nb\tc"}, true},
		{"hex escape", `ECHO "\x41\x42"`, []string{"ECHO", "AB"}, true},
		{"adjacent single quotes", `ECHO 'it''s'`, nil, false},
		{"single quote escape", `ECHO 'it\'s'`, []string{"ECHO", "it's"}, true},
		{"empty quoted", `SET k ""`, []string{"SET", "k", ""}, true},
		{"unbalanced double", `ECHO "abc`, nil, false},
		{"unbalanced single", `ECHO 'abc`, nil, false},
		{"quote then text", `ECHO "a"b`, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SplitInlineArgs([]byte(tt.in))
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i], string(got[i]))
			}
		})
	}
}

func TestSplitInlineArgsCopies(t *testing.T) {
	line := []byte("GET mykey")
	args, ok := SplitInlineArgs(line)
	require.True(t, ok)
	require.Len(t, args, 2)

	// Mutating the input must not corrupt parsed arguments.
	for i := range line {
		line[i] = 'x'
	}
	assert.Equal(t, "GET", string(args[0]))
	assert.Equal(t, "mykey", string(args[1]))
}

func TestSanitizeSample(t *testing.T) {
	assert.Equal(t, "PING..", SanitizeSample([]byte("PING\r\n"), 32))
	assert.Equal(t, "ab", SanitizeSample([]byte("abcdef"), 2))
}
