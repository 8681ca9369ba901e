package decode

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// Calibration supplies per-channel corrections keyed by bank and channel index.
// Implementations must be safe for concurrent reads when shared between
// decoders.
type Calibration interface {
	Channel(bank Bank, channel int) (ChannelCalibration, bool)
}

// ChannelCalibration holds the corrections for one laser.
type ChannelCalibration struct {
	VerticalAngle      float64 // Elevation in degrees relative to the horizontal plane
	AzimuthCorrection  float64 // Horizontal offset in degrees added to the block azimuth
	DistanceCorrection float64 // Added to the resolution-scaled distance
}

// CalibrationTable is a fixed lookup loaded from a calibration CSV file.
type CalibrationTable struct {
	channels [2][packet.CHANNELS_PER_BLOCK]ChannelCalibration
	present  [2][packet.CHANNELS_PER_BLOCK]bool
}

// Channel implements Calibration.
func (c *CalibrationTable) Channel(bank Bank, channel int) (ChannelCalibration, bool) {
	idx, ok := bankIndex(bank)
	if !ok || channel < 0 || channel >= packet.CHANNELS_PER_BLOCK {
		return ChannelCalibration{}, false
	}
	return c.channels[idx][channel], c.present[idx][channel]
}

// Set stores the calibration for one bank and channel.
func (c *CalibrationTable) Set(bank Bank, channel int, cal ChannelCalibration) error {
	idx, ok := bankIndex(bank)
	if !ok {
		return fmt.Errorf("invalid bank %v", bank)
	}
	if channel < 0 || channel >= packet.CHANNELS_PER_BLOCK {
		return fmt.Errorf("channel %d out of range (0-%d)", channel, packet.CHANNELS_PER_BLOCK-1)
	}
	c.channels[idx][channel] = cal
	c.present[idx][channel] = true
	return nil
}

// Validate checks that every channel of the given banks has an entry.
func (c *CalibrationTable) Validate(banks ...Bank) error {
	for _, bank := range banks {
		idx, ok := bankIndex(bank)
		if !ok {
			return fmt.Errorf("invalid bank %v", bank)
		}
		for ch := 0; ch < packet.CHANNELS_PER_BLOCK; ch++ {
			if !c.present[idx][ch] {
				return fmt.Errorf("missing calibration for %s bank channel %d", bank, ch)
			}
		}
	}
	return nil
}

// Len returns the number of calibrated channels.
func (c *CalibrationTable) Len() int {
	n := 0
	for _, bank := range c.present {
		for _, ok := range bank {
			if ok {
				n++
			}
		}
	}
	return n
}

func bankIndex(bank Bank) (int, bool) {
	switch bank {
	case BankUpper:
		return 0, true
	case BankLower:
		return 1, true
	default:
		return 0, false
	}
}

// LoadCalibrationFile loads a calibration table from a CSV file on disk.
func LoadCalibrationFile(path string) (*CalibrationTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration file: %w", err)
	}
	defer file.Close()

	table, err := LoadCalibrationCSV(file)
	if err != nil {
		return nil, fmt.Errorf("calibration file %s: %w", path, err)
	}
	return table, nil
}

// LoadCalibrationCSV parses a calibration table with the header
// Bank,Channel,Vertical,Azimuth,DistanceCorrection. Bank is "upper" or
// "lower", Channel is the zero-based index within the block.
func LoadCalibrationCSV(r io.Reader) (*CalibrationTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration CSV: %w", err)
	}
	return parseCalibration(records)
}

func parseCalibration(records [][]string) (*CalibrationTable, error) {
	if len(records) < 2 {
		return nil, fmt.Errorf("insufficient data in calibration file")
	}

	header := records[0]
	if len(header) != 5 ||
		strings.ToLower(header[0]) != "bank" ||
		strings.ToLower(header[1]) != "channel" ||
		strings.ToLower(header[2]) != "vertical" ||
		strings.ToLower(header[3]) != "azimuth" ||
		strings.ToLower(header[4]) != "distancecorrection" {
		return nil, fmt.Errorf("invalid header in calibration file, expected: Bank,Channel,Vertical,Azimuth,DistanceCorrection")
	}

	table := &CalibrationTable{}
	for i, record := range records[1:] {
		line := i + 2
		if len(record) != 5 {
			return nil, fmt.Errorf("invalid record at line %d: expected 5 fields", line)
		}

		var bank Bank
		switch strings.ToLower(record[0]) {
		case "upper":
			bank = BankUpper
		case "lower":
			bank = BankLower
		default:
			return nil, fmt.Errorf("invalid bank %q at line %d", record[0], line)
		}

		channel, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("invalid channel number at line %d: %w", line, err)
		}

		vertical, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vertical angle at line %d: %w", line, err)
		}

		azimuth, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid azimuth at line %d: %w", line, err)
		}

		distance, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid distance correction at line %d: %w", line, err)
		}

		if _, dup := table.Channel(bank, channel); dup {
			return nil, fmt.Errorf("duplicate %s bank channel %d at line %d", bank, channel, line)
		}

		err = table.Set(bank, channel, ChannelCalibration{
			VerticalAngle:      vertical,
			AzimuthCorrection:  azimuth,
			DistanceCorrection: distance,
		})
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}

	return table, nil
}
