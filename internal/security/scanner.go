// Package security screens source documents with ClamAV before conversion.
package security

import (
	"fmt"
	"io"
	"os"

	clamd "github.com/dutchcoders/go-clamd"
	"github.com/rs/zerolog"
)

// DefaultAddress is where clamd listens unless configured otherwise.
const DefaultAddress = "tcp://localhost:3310"

// daemon is the subset of the clamd client the scanner uses.
type daemon interface {
	Ping() error
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

// Scanner screens files through a clamd daemon. A disabled scanner passes
// everything through unscanned.
type Scanner struct {
	enabled bool
	client  daemon
}

// ScanResult contains the result of a virus scan
type ScanResult struct {
	Scanned  bool
	Infected bool
	Threats  []string
}

// NewScanner connects to clamd when enabled. An unreachable daemon disables
// scanning with a warning instead of failing startup.
func NewScanner(enabled bool, address string, log zerolog.Logger) *Scanner {
	if !enabled {
		return &Scanner{}
	}
	if address == "" {
		address = DefaultAddress
	}

	client := clamd.NewClamd(address)
	if err := client.Ping(); err != nil {
		log.Warn().Err(err).Str("address", address).Msg("clamd is not available, scanning disabled")
		return &Scanner{}
	}

	log.Info().Str("address", address).Msg("virus scanning enabled")
	return &Scanner{enabled: true, client: client}
}

// IsEnabled returns whether the scanner is enabled
func (s *Scanner) IsEnabled() bool {
	return s != nil && s.enabled
}

// ScanFile scans a file for viruses
func (s *Scanner) ScanFile(path string) (*ScanResult, error) {
	if !s.IsEnabled() {
		return &ScanResult{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for scanning: %w", err)
	}
	defer file.Close()

	return s.ScanReader(file)
}

// ScanReader streams r to clamd and collects any FOUND verdicts.
func (s *Scanner) ScanReader(r io.Reader) (*ScanResult, error) {
	if !s.IsEnabled() {
		return &ScanResult{}, nil
	}

	results, err := s.client.ScanStream(r, make(chan bool))
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := &ScanResult{Scanned: true, Threats: []string{}}
	for sr := range results {
		if sr.Status == clamd.RES_FOUND {
			out.Infected = true
			out.Threats = append(out.Threats, sr.Description)
		}
	}
	return out, nil
}
