package xps

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/thz.scan/internal/device"
)

// GatheringHeaderLines is the number of header lines the controller writes
// at the top of Gathering.dat.
const GatheringHeaderLines = 2

// ParseGathering reads a gathering file: headerLines lines to skip, then one
// tab-separated row per sample with position, ADC1 and ADC2.
func ParseGathering(r io.Reader, headerLines int) ([]device.RawSample, error) {
	scanner := bufio.NewScanner(r)
	var samples []device.RawSample
	line := 0
	for scanner.Scan() {
		line++
		if line <= headerLines {
			continue
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("gathering line %d: expected 3 columns, got %d", line, len(fields))
		}
		var vals [3]float64
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("gathering line %d column %d: %w", line, i+1, err)
			}
			vals[i] = v
		}
		samples = append(samples, device.RawSample{Position: vals[0], ChannelA: vals[1], ChannelB: vals[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read gathering file: %w", err)
	}
	return samples, nil
}
