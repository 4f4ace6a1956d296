package api

import (
	"testing"

	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatConverter_ParseFormat(t *testing.T) {
	fc := NewFormatConverter()

	for in, want := range map[string]FormatType{"": FormatHex, "HEX": FormatHex, "dec": FormatDec} {
		got, err := fc.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := fc.ParseFormat("text")
	assert.Error(t, err)
}

func TestFormatConverter_ParseUint(t *testing.T) {
	fc := NewFormatConverter()
	tests := []struct {
		value   string
		format  FormatType
		bits    int
		want    uint32
		wantErr bool
	}{
		{"0xEDF0", FormatHex, 16, 0xEDF0, false},
		{"edf0", FormatHex, 16, 0xEDF0, false},
		{"60912", FormatDec, 16, 0xEDF0, false},
		{"FF", FormatHex, 8, 0xFF, false},
		{"100", FormatHex, 8, 0, true},
		{"-1", FormatDec, 16, 0, true},
		{"", FormatDec, 16, 0, true},
		{"0x", FormatHex, 16, 0, true},
		{"4294967295", FormatDec, 32, 0xFFFFFFFF, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format)+"/"+tt.value, func(t *testing.T) {
			got, err := fc.ParseUint(tt.value, tt.format, tt.bits)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatConverter_Commands(t *testing.T) {
	fc := NewFormatConverter()

	cmd, err := fc.ParseCommand("")
	require.NoError(t, err)
	assert.Equal(t, vedirect.CmdGet, cmd)

	cmd, err = fc.ParseCommand("SET")
	require.NoError(t, err)
	assert.Equal(t, vedirect.CmdSet, cmd)

	_, err = fc.ParseCommand("boot")
	assert.Error(t, err)

	size, err := fc.ParseSize("")
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	_, err = fc.ParseSize("8")
	assert.Error(t, err)

	assert.Equal(t, "0xEDF0", fc.FormatRegister(0xEDF0, FormatHex))
	assert.Equal(t, "60912", fc.FormatRegister(0xEDF0, FormatDec))
}
