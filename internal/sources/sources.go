// Package sources provides read functions for sensors exposed through the
// Linux filesystem
package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/circuitnotion/device-agent/pkg/registry"
)

// DefaultW1Dir is where the kernel lists 1-Wire slaves
const DefaultW1Dir = "/sys/bus/w1/devices"

var (
	// ErrNotReady is returned when a 1-Wire read fails its CRC check on every attempt
	ErrNotReady = errors.New("1-wire reading not ready")

	// ErrNoDevice is returned when no DS18B20 is found
	ErrNoDevice = errors.New("no DS18B20 sensor found")
)

// File reads a number from path and multiplies it by scale. A zero scale
// means 1.
func File(path string, scale float64, unit string) registry.ReadFunc {
	if scale == 0 {
		scale = 1
	}
	return func(context.Context) (registry.Reading, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return registry.Reading{}, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return registry.Reading{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return registry.Reading{
			Value:    v * scale,
			Unit:     unit,
			Metadata: map[string]any{"source": path},
		}, nil
	}
}

// W1Config controls DS18B20 reads
type W1Config struct {
	Retries    int           // extra attempts after a failed CRC
	RetryDelay time.Duration // wait between attempts
}

// DefaultW1Config retries a failed CRC three times, 200ms apart
func DefaultW1Config() W1Config {
	return W1Config{
		Retries:    3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// W1 reads a DS18B20 through its w1_slave file and reports degrees Celsius
func W1(path string, config W1Config) registry.ReadFunc {
	return func(ctx context.Context) (registry.Reading, error) {
		for attempt := 0; ; attempt++ {
			data, err := os.ReadFile(path)
			if err != nil {
				return registry.Reading{}, err
			}

			temp, err := ParseW1Slave(data)
			if err == nil {
				return registry.Reading{
					Value:    temp,
					Unit:     "°C",
					Metadata: map[string]any{"sensor": "DS18B20", "source": path},
				}, nil
			}
			if !errors.Is(err, ErrNotReady) || attempt >= config.Retries {
				return registry.Reading{}, err
			}

			t := time.NewTimer(config.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return registry.Reading{}, ctx.Err()
			case <-t.C:
			}
		}
	}
}

// ParseW1Slave extracts the temperature from w1_slave contents:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func ParseW1Slave(data []byte) (float64, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("w1_slave: expected 2 lines, got %d", len(lines))
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, ErrNotReady
	}

	i := strings.Index(lines[1], "t=")
	if i < 0 {
		return 0, errors.New("w1_slave: no temperature field")
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(lines[1][i+2:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("w1_slave: %w", err)
	}
	return float64(milli) / 1000, nil
}

// FindW1 returns the w1_slave path of the first DS18B20 under dir
func FindW1(dir string) (string, error) {
	if dir == "" {
		dir = DefaultW1Dir
	}
	matches, err := filepath.Glob(filepath.Join(dir, "28*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoDevice, dir)
	}
	return filepath.Join(matches[0], "w1_slave"), nil
}
