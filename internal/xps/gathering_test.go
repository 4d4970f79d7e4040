package xps

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/thz.scan/internal/device"
)

func TestParseGathering(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []device.RawSample
		wantErr bool
	}{
		{
			name: "header skipped and blank lines ignored",
			in:   "h1\nh2\n1\t2\t3\n\n4\t5\t6\r\n",
			want: []device.RawSample{{Position: 1, ChannelA: 2, ChannelB: 3}, {Position: 4, ChannelA: 5, ChannelB: 6}},
		},
		{name: "header only", in: "h1\nh2\n", want: nil},
		{name: "short row", in: "h1\nh2\n1\t2\n", wantErr: true},
		{name: "bad number", in: "h1\nh2\n1\tx\t3\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGathering(strings.NewReader(tt.in), GatheringHeaderLines)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// writeGathering writes samples in the controller's file layout.
func writeGathering(w io.Writer, stage string, samples []device.RawSample) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s.CurrentPosition\tGPIO4.ADC1\tGPIO4.ADC2\n", stage)
	fmt.Fprintf(bw, "%d\n", len(samples))
	for _, s := range samples {
		fmt.Fprintf(bw, "%s\t%s\t%s\n", formatFloat(s.Position), formatFloat(s.ChannelA), formatFloat(s.ChannelB))
	}
	return bw.Flush()
}

func TestParseGathering_ControllerLayout(t *testing.T) {
	samples := []device.RawSample{{Position: 10.25, ChannelA: 0.125, ChannelB: -1}}
	var buf bytes.Buffer
	require.NoError(t, writeGathering(&buf, "Group1.Pos", samples))
	assert.True(t, strings.HasPrefix(buf.String(), "Group1.Pos.CurrentPosition\t"))

	got, err := ParseGathering(&buf, GatheringHeaderLines)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}
